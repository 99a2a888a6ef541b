package api

import (
	"math/big"
	"net/http"
	"strconv"

	"farm-ledger/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type addProductRequest struct {
	Price *uint64 `json:"price" binding:"required"`
	Stock *uint64 `json:"stock" binding:"required"`
}

type updateStockRequest struct {
	Stock *uint64 `json:"stock" binding:"required"`
}

type increasePriceRequest struct {
	Price *uint64 `json:"price" binding:"required"`
}

type purchaseRequest struct {
	Amount *uint64 `json:"amount" binding:"required"`
	Value  *uint64 `json:"value" binding:"required"`
}

type productResponse struct {
	ID           uint64 `json:"id"`
	Owner        string `json:"owner"`
	Price        uint64 `json:"price"`
	PriceDisplay string `json:"price_display"`
	Stock        uint64 `json:"stock"`
}

// display renders a base-unit amount in the network's native currency
func (h *Handler) display(v uint64) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(v), -h.currency.Decimals)
	return d.String() + " " + h.currency.Symbol
}

func (h *Handler) product(p models.Product) productResponse {
	return productResponse{
		ID:           p.ID,
		Owner:        p.Owner,
		Price:        p.Price,
		PriceDisplay: h.display(p.Price),
		Stock:        p.Stock,
	}
}

func (h *Handler) getSession(c *gin.Context) {
	conn, ok := h.client.Connection()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"connected": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected": true,
		"address":   conn.Address,
		"chain_id":  conn.ChainID,
	})
}

func (h *Handler) connect(c *gin.Context) {
	conn, err := h.client.Connect(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected": true,
		"address":   conn.Address,
		"chain_id":  conn.ChainID,
	})
}

func (h *Handler) disconnect(c *gin.Context) {
	h.client.Disconnect()
	c.Status(http.StatusNoContent)
}

func (h *Handler) ensureFarmer(c *gin.Context) {
	res, err := h.client.EnsureFarmer(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"created": res.Created, "exists": res.Exists})
}

func (h *Handler) getFarmer(c *gin.Context) {
	f, err := h.client.GetFarmerInfo(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":         f.Address,
		"exists":          f.Exists,
		"products":        f.Products,
		"balance":         f.Balance,
		"balance_display": h.display(f.Balance),
	})
}

func (h *Handler) getFarmerProducts(c *gin.Context) {
	products, err := h.client.GetFarmerProducts(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]productResponse, 0, len(products))
	for _, p := range products {
		out = append(out, h.product(p))
	}
	c.JSON(http.StatusOK, gin.H{"products": out})
}

func (h *Handler) addProduct(c *gin.Context) {
	var req addProductRequest
	if !bind(c, &req) {
		return
	}

	id, receipt, err := h.client.AddProduct(c.Request.Context(), *req.Price, *req.Stock)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product_id": id, "receipt": receipt})
}

func (h *Handler) getProduct(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	p, err := h.client.GetProduct(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.product(p))
}

func (h *Handler) updateStock(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	var req updateStockRequest
	if !bind(c, &req) {
		return
	}

	receipt, err := h.client.UpdateStock(c.Request.Context(), id, *req.Stock)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (h *Handler) increasePrice(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	var req increasePriceRequest
	if !bind(c, &req) {
		return
	}

	receipt, err := h.client.IncreasePrice(c.Request.Context(), id, *req.Price)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (h *Handler) buyProduct(c *gin.Context) {
	id, ok := productID(c)
	if !ok {
		return
	}
	var req purchaseRequest
	if !bind(c, &req) {
		return
	}

	receipt, err := h.client.BuyProduct(c.Request.Context(), id, *req.Amount, *req.Value)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"receipt":       receipt,
		"value_display": h.display(*req.Value),
	})
}

func (h *Handler) getBalance(c *gin.Context) {
	conn, ok := h.client.Connection()
	if !ok {
		h.writeError(c, models.NewError(models.ReasonNotConnected, "client is not connected"))
		return
	}
	balance, err := h.client.Balance(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	farmer, err := h.client.GetFarmerInfo(c.Request.Context(), conn.Address)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":         conn.Address,
		"account":         balance,
		"account_display": h.display(balance),
		"escrow":          farmer.Balance,
		"escrow_display":  h.display(farmer.Balance),
	})
}

func (h *Handler) withdraw(c *gin.Context) {
	amount, receipt, err := h.client.WithdrawBalance(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amount":         amount,
		"amount_display": h.display(amount),
		"receipt":        receipt,
	})
}

func (h *Handler) getTransaction(c *gin.Context) {
	hash := c.Param("hash")
	status, receipt, err := h.client.TransactionStatus(c.Request.Context(), hash)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tx_hash": hash,
		"status":  status,
		"receipt": receipt,
	})
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func productID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid product ID",
		})
		return 0, false
	}
	return id, true
}
