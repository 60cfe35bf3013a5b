package httpapi

import "github.com/sealedbid/auctionengine/internal/domain"

// ErrorResponse is the uniform error body for every non-2xx response, §7.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type TopupRequest struct {
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

type CreateAuctionRequest struct {
	Title         string              `json:"title" binding:"required"`
	TotalQuantity int64               `json:"totalQuantity" binding:"required,gt=0"`
	Config        domain.AuctionConfig `json:"config"`
}

type PlaceBidRequest struct {
	UserID string `json:"userId" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

type WithdrawRequest struct {
	UserID string `json:"userId" binding:"required"`
}
