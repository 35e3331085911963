package handlers

import (
	"github.com/gin-gonic/gin"

	"tallybook/internal/core/apperror"
	"tallybook/internal/core/id"
	"tallybook/internal/domain/balance"
	"tallybook/internal/infrastructure/http/v1/dto"
)

// BalanceHandler handles HTTP requests for the balance ledger.
type BalanceHandler struct {
	*BaseHandler
	service *balance.Service
}

// NewBalanceHandler creates a new balance ledger handler.
func NewBalanceHandler(base *BaseHandler, service *balance.Service) *BalanceHandler {
	return &BalanceHandler{
		BaseHandler: base,
		service:     service,
	}
}

func (h *BalanceHandler) accountID(c *gin.Context) (id.ID, bool) {
	accountID, err := id.Parse(c.Param("accountId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid accountId format"))
		return id.Nil(), false
	}
	return accountID, true
}

func accountKind(req dto.PostTransactionRequest) (balance.AccountKind, error) {
	switch req.Kind {
	case "", string(balance.KindCustomer):
		return balance.KindCustomer, nil
	case string(balance.KindSupplier):
		return balance.KindSupplier, nil
	}
	return "", apperror.NewValidation("kind must be customer or supplier").
		WithDetail("kind", req.Kind)
}

// post is the shared flow for the four posting endpoints; they differ
// only in the transaction type.
func (h *BalanceHandler) post(c *gin.Context, txType balance.TransactionType) {
	accountID, ok := h.accountID(c)
	if !ok {
		return
	}

	var req dto.PostTransactionRequest
	if !h.BindJSON(c, &req) {
		return
	}

	kind, err := accountKind(req)
	if err != nil {
		h.Error(c, err)
		return
	}

	post := balance.PostRequest{
		Amount:      req.Amount,
		Reference:   req.Reference,
		PerformedBy: h.GetUserID(c),
	}
	if req.Date != nil {
		post.Date = *req.Date
	}

	ctx := c.Request.Context()
	var txn *balance.Transaction
	switch txType {
	case balance.TypeInvoice:
		txn, err = h.service.RecordInvoice(ctx, accountID, kind, post)
	case balance.TypePayment:
		txn, err = h.service.RecordPayment(ctx, accountID, kind, post)
	case balance.TypeRefund:
		txn, err = h.service.RecordRefund(ctx, accountID, kind, post)
	case balance.TypeCreditNote:
		txn, err = h.service.RecordCreditNote(ctx, accountID, kind, post)
	}
	if err != nil {
		h.Error(c, err)
		return
	}

	h.Created(c, dto.FromTransaction(txn))
}

// RecordInvoice handles POST /accounts/:accountId/invoices
func (h *BalanceHandler) RecordInvoice(c *gin.Context) {
	h.post(c, balance.TypeInvoice)
}

// RecordPayment handles POST /accounts/:accountId/payments
func (h *BalanceHandler) RecordPayment(c *gin.Context) {
	h.post(c, balance.TypePayment)
}

// RecordRefund handles POST /accounts/:accountId/refunds
func (h *BalanceHandler) RecordRefund(c *gin.Context) {
	h.post(c, balance.TypeRefund)
}

// RecordCreditNote handles POST /accounts/:accountId/credit-notes
func (h *BalanceHandler) RecordCreditNote(c *gin.Context) {
	h.post(c, balance.TypeCreditNote)
}

// GetAccount handles GET /accounts/:accountId
func (h *BalanceHandler) GetAccount(c *gin.Context) {
	accountID, ok := h.accountID(c)
	if !ok {
		return
	}

	account, err := h.service.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromAccount(account))
}

// GetTransactions handles GET /accounts/:accountId/transactions
func (h *BalanceHandler) GetTransactions(c *gin.Context) {
	accountID, ok := h.accountID(c)
	if !ok {
		return
	}

	var req dto.TransactionListRequest
	if !h.BindQuery(c, &req) {
		return
	}
	req.Defaults()

	filter := balance.TransactionFilter{
		FromDate: req.FromDate,
		ToDate:   req.ToDate,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	if req.Type != "" {
		txType := balance.TransactionType(req.Type)
		switch txType {
		case balance.TypeInvoice, balance.TypePayment, balance.TypeRefund, balance.TypeCreditNote:
			filter.Type = &txType
		default:
			h.Error(c, apperror.NewValidation("unknown transaction type").
				WithDetail("type", req.Type))
			return
		}
	}

	transactions, err := h.service.TransactionHistory(c.Request.Context(), accountID, filter)
	if err != nil {
		h.Error(c, err)
		return
	}

	items := make([]dto.TransactionResponse, len(transactions))
	for i := range transactions {
		items[i] = dto.FromTransaction(&transactions[i])
	}

	h.OK(c, dto.ListResponse{Items: items, TotalCount: len(items)})
}

// Reverse handles POST /transactions/:transactionId/reverse
func (h *BalanceHandler) Reverse(c *gin.Context) {
	transactionID, err := id.Parse(c.Param("transactionId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid transactionId format"))
		return
	}

	txn, err := h.service.Reverse(c.Request.Context(), transactionID)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromTransaction(txn))
}

// Recalculate handles POST /accounts/:accountId/recalculate
// Rebuilds the stored balance from the transaction sub-ledger.
func (h *BalanceHandler) Recalculate(c *gin.Context) {
	accountID, ok := h.accountID(c)
	if !ok {
		return
	}

	account, err := h.service.Recalculate(c.Request.Context(), accountID)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromAccount(account))
}

// Reconcile handles POST /accounts/reconcile
// Sweeps every account comparing stored balances against replay.
func (h *BalanceHandler) Reconcile(c *gin.Context) {
	var req dto.ReconcileRequest
	if c.Request.ContentLength > 0 {
		if !h.BindJSON(c, &req) {
			return
		}
	}

	report, err := h.service.ReconcileAll(c.Request.Context(), req.AutoCorrect)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromReconciliationReport(report))
}

// RegisterRoutes registers balance ledger routes.
func (h *BalanceHandler) RegisterRoutes(accounts, transactions *gin.RouterGroup) {
	accounts.POST("/reconcile", h.Reconcile)
	accounts.GET("/:accountId", h.GetAccount)
	accounts.GET("/:accountId/transactions", h.GetTransactions)
	accounts.POST("/:accountId/invoices", h.RecordInvoice)
	accounts.POST("/:accountId/payments", h.RecordPayment)
	accounts.POST("/:accountId/refunds", h.RecordRefund)
	accounts.POST("/:accountId/credit-notes", h.RecordCreditNote)
	accounts.POST("/:accountId/recalculate", h.Recalculate)

	transactions.POST("/:transactionId/reverse", h.Reverse)
}
