// Package httpapi is the REST surface from spec §6, extended from the
// teacher's 5-route auctionhandler (internal/http/auctionhandler/handler.go)
// to cover users, topups, auction lifecycle, bidding, withdrawal, snapshots
// and audit reports. websocket and static-file routes are dropped per the
// spec's explicit non-goal on real-time push (clients poll /snapshot).
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sealedbid/auctionengine/internal/apperr"
	"github.com/sealedbid/auctionengine/internal/audit"
	"github.com/sealedbid/auctionengine/internal/auction"
	"github.com/sealedbid/auctionengine/internal/store"
)

type Handler struct {
	svc     *auction.Service
	auditor *audit.Auditor
}

func New(svc *auction.Service, auditor *audit.Auditor) *Handler {
	return &Handler{svc: svc, auditor: auditor}
}

func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.health)

	r.POST("/users", h.createUser)
	r.GET("/users/:userId", h.getUser)
	r.POST("/users/:userId/topup", h.topup)

	r.POST("/auctions", h.createAuction)
	r.GET("/auctions", h.listAuctions)
	r.GET("/auctions/:auctionId", h.getAuction)
	r.POST("/auctions/:auctionId/start", h.startAuction)
	r.POST("/auctions/:auctionId/cancel", h.cancelAuction)
	r.GET("/auctions/:auctionId/snapshot", h.snapshot)
	r.POST("/auctions/:auctionId/bids", h.placeBid)
	r.POST("/auctions/:auctionId/withdraw", h.withdraw)
	r.GET("/auctions/:auctionId/audit", h.auctionAudit)

	r.GET("/audit", h.globalAudit)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func fail(c *gin.Context, err error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		c.JSON(apperr.Status(err), ErrorResponse{Code: string(appErr.Code), Message: appErr.Message, Details: appErr.Details})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: string(apperr.NotFound), Message: "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL", Message: "internal error"})
}

func (h *Handler) createUser(c *gin.Context) {
	u, err := h.svc.CreateUser(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (h *Handler) getUser(c *gin.Context) {
	u, err := h.svc.GetUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) topup(c *gin.Context) {
	var req TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: string(apperr.InvalidInput), Message: err.Error()})
		return
	}
	u, err := h.svc.Topup(c.Request.Context(), c.Param("userId"), req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) createAuction(c *gin.Context) {
	var req CreateAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: string(apperr.InvalidInput), Message: err.Error()})
		return
	}
	a, err := h.svc.CreateAuction(c.Request.Context(), req.Title, req.TotalQuantity, req.Config)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) listAuctions(c *gin.Context) {
	out, err := h.svc.ListAuctions(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getAuction(c *gin.Context) {
	a, err := h.svc.GetAuction(c.Request.Context(), c.Param("auctionId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) startAuction(c *gin.Context) {
	a, err := h.svc.StartAuction(c.Request.Context(), c.Param("auctionId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) cancelAuction(c *gin.Context) {
	a, err := h.svc.CancelAuction(c.Request.Context(), c.Param("auctionId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) snapshot(c *gin.Context) {
	userID := c.Query("userId")
	snap, err := h.svc.Snapshot(c.Request.Context(), c.Param("auctionId"), userID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) placeBid(c *gin.Context) {
	var req PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: string(apperr.InvalidInput), Message: err.Error()})
		return
	}
	a, bid, err := h.svc.PlaceBid(c.Request.Context(), c.Param("auctionId"), req.UserID, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auction": a, "bid": bid})
}

func (h *Handler) withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: string(apperr.InvalidInput), Message: err.Error()})
		return
	}
	bid, err := h.svc.Withdraw(c.Request.Context(), c.Param("auctionId"), req.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

func (h *Handler) auctionAudit(c *gin.Context) {
	report, err := h.auditor.Auction(c.Request.Context(), c.Param("auctionId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) globalAudit(c *gin.Context) {
	report, err := h.auditor.Global(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
