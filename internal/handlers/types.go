package handlers

import "github.com/Brownie44l1/civic-classifier/internal/model"

// TensorRequest carries a preprocessed 1x224x224x3 image, flattened NHWC.
type TensorRequest struct {
	Image []float32 `json:"image"`
}

type ModelsResponse struct {
	Models []model.Info `json:"models"`
}
