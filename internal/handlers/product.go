package handlers

import (
	"net/http"

	"fieldops/internal/ledger"

	"github.com/gin-gonic/gin"
)

func (h *Handler) ListProducts(c *gin.Context) {
	products, err := h.Ledger.ListProducts(c.Request.Context(), principal(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": products})
}

func (h *Handler) GetProduct(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	product, err := h.Ledger.GetProduct(c.Request.Context(), principal(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) CreateProduct(c *gin.Context) {
	var in ledger.ProductInput
	if err := bind(c, &in); err != nil {
		h.fail(c, err)
		return
	}
	product, err := h.Ledger.CreateProduct(c.Request.Context(), principal(c), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) UpdateProduct(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var patch ledger.ProductPatch
	if err := bind(c, &patch); err != nil {
		h.fail(c, err)
		return
	}
	product, err := h.Ledger.UpdateProduct(c.Request.Context(), principal(c), id, patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

type restockForm struct {
	Delta int `json:"delta"`
}

func (h *Handler) RestockProduct(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var form restockForm
	if err := bind(c, &form); err != nil {
		h.fail(c, err)
		return
	}
	product, err := h.Ledger.Restock(c.Request.Context(), principal(c), id, form.Delta)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) DeleteProduct(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Ledger.DeleteProduct(c.Request.Context(), principal(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
