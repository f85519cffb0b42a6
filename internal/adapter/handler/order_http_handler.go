package handler

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
)

type OrderHTTPHandler struct {
	orderService *service.OrderService
	logger       logrus.FieldLogger
}

type CreateOrderRequest struct {
	ProductID     int64  `json:"product_id"`
	Quantity      int    `json:"quantity"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type OrderResponse struct {
	ID            int64     `json:"id"`
	ProductID     int64     `json:"product_id"`
	ProductName   string    `json:"product_name"`
	Quantity      int       `json:"quantity"`
	UnitPrice     float64   `json:"unit_price"`
	TotalPrice    float64   `json:"total_price"`
	Status        string    `json:"status"`
	CustomerEmail *string   `json:"customer_email"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
	Total  int             `json:"total"`
}

func NewOrderHTTPHandler(orderService *service.OrderService, logger logrus.FieldLogger) *OrderHTTPHandler {
	return &OrderHTTPHandler{orderService: orderService, logger: logger}
}

func (h *OrderHTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	r.HandleFunc("/orders", h.ListOrders).Methods(http.MethodGet)
	r.HandleFunc("/orders/customer/{email}", h.OrdersByCustomer).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id:[0-9]+}", h.GetOrder).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id:[0-9]+}/status", h.UpdateStatus).Methods(http.MethodPatch)
}

func (h *OrderHTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ProductID <= 0 || req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "product_id and quantity must be positive")
		return
	}
	if req.CustomerEmail != "" {
		if _, err := mail.ParseAddress(req.CustomerEmail); err != nil {
			writeError(w, http.StatusBadRequest, "invalid customer_email")
			return
		}
	}

	order, err := h.orderService.CreateOrder(r.Context(), req.ProductID, req.Quantity, req.CustomerEmail)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *OrderHTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	skip, ok := queryInt(r, "skip", 0)
	if !ok || skip < 0 {
		writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, ok := queryInt(r, "limit", 100)
	if !ok || limit < 1 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	orders, total, err := h.orderService.ListOrders(r.Context(), skip, limit)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	resp := OrderListResponse{Orders: make([]OrderResponse, 0, len(orders)), Total: total}
	for i := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	order, err := h.orderService.GetOrder(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHTTPHandler) OrdersByCustomer(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orderService.OrdersByCustomer(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	resp := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHTTPHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.orderService.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func toOrderResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:          o.ID,
		ProductID:   o.ProductID,
		ProductName: o.ProductName,
		Quantity:    o.Quantity,
		UnitPrice:   o.UnitPrice,
		TotalPrice:  o.TotalPrice,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
	if o.CustomerEmail != "" {
		email := o.CustomerEmail
		resp.CustomerEmail = &email
	}
	return resp
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}
