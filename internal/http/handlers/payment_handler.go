// README: Payment handlers (operator views and refunds).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"supportcarr/internal/modules/payment"
)

type PaymentHandler struct {
	payments *payment.Service
}

func NewPaymentHandler(payments *payment.Service) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

func (h *PaymentHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.payments.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}

type refundReq struct {
	// Amount of zero refunds the full charge.
	Amount int64 `json:"amount"`
}

func (h *PaymentHandler) Refund(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req refundReq
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	p, err := h.payments.Refund(c.Request.Context(), id, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}
