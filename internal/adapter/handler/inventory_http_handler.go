package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
)

type InventoryHTTPHandler struct {
	inventoryService *service.InventoryService
	logger           logrus.FieldLogger
}

type ProductResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Stock       int       `json:"stock"`
	Category    string    `json:"category"`
	ImageURL    string    `json:"image_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type StockCheckResponse struct {
	ProductID int64  `json:"product_id"`
	Available bool   `json:"available"`
	Stock     int    `json:"stock"`
	Message   string `json:"message,omitempty"`
}

type CreateProductRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	Category    string  `json:"category"`
	ImageURL    string  `json:"image_url"`
}

// StockUpdateRequest adds Quantity to stock; negative values subtract.
type StockUpdateRequest struct {
	Quantity *int `json:"quantity"`
}

func NewInventoryHTTPHandler(inventoryService *service.InventoryService, logger logrus.FieldLogger) *InventoryHTTPHandler {
	return &InventoryHTTPHandler{inventoryService: inventoryService, logger: logger}
}

func (h *InventoryHTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/resources", h.CreateProduct).Methods(http.MethodPost)
	r.HandleFunc("/resources/{id:[0-9]+}", h.GetProduct).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id:[0-9]+}/check", h.CheckAvailability).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id:[0-9]+}/stock", h.AdjustStock).Methods(http.MethodPatch)
}

func (h *InventoryHTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	product := &domain.Product{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Stock:       req.Stock,
		Category:    req.Category,
		ImageURL:    req.ImageURL,
	}
	if err := h.inventoryService.CreateProduct(r.Context(), product); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductResponse(product))
}

func (h *InventoryHTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	product, err := h.inventoryService.GetProduct(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(product))
}

func (h *InventoryHTTPHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	quantity, ok := queryInt(r, "quantity", 1)
	if !ok || quantity < 1 {
		writeError(w, http.StatusBadRequest, "quantity must be a positive integer")
		return
	}

	a, err := h.inventoryService.CheckAvailability(r.Context(), id, quantity)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, StockCheckResponse{
		ProductID: a.ProductID,
		Available: a.Available,
		Stock:     a.Stock,
		Message:   a.Message,
	})
}

func (h *InventoryHTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	var req StockUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
		writeError(w, http.StatusBadRequest, "quantity is required")
		return
	}

	product, err := h.inventoryService.AdjustStock(r.Context(), id, *req.Quantity)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductResponse(product))
}

func toProductResponse(p *domain.Product) ProductResponse {
	return ProductResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		Stock:       p.Stock,
		Category:    p.Category,
		ImageURL:    p.ImageURL,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}
