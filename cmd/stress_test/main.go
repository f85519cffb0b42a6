package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/order-fulfillment/internal/adapter/handler"
)

const (
	initialStock  = 20
	totalRequests = 50
	settleTimeout = 30 * time.Second
)

func main() {
	orderURL := flag.String("orders", "http://localhost:8000", "order service base URL")
	inventoryURL := flag.String("inventory", "http://localhost:8001", "inventory service base URL")
	flag.Parse()

	ctx := context.Background()
	httpClient := &http.Client{Timeout: 10 * time.Second}

	var product handler.ProductResponse
	err := call(ctx, httpClient, http.MethodPost, *inventoryURL+"/resources", handler.CreateProductRequest{
		Name:  fmt.Sprintf("stress-%d", time.Now().UnixNano()),
		Price: 1,
		Stock: initialStock,
	}, http.StatusCreated, &product)
	if err != nil {
		log.Fatalf("failed to create product: %v", err)
	}

	var acceptedCount atomic.Int32
	var failCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(customer int) {
			defer wg.Done()

			err := call(ctx, httpClient, http.MethodPost, *orderURL+"/orders", handler.CreateOrderRequest{
				ProductID:     product.ID,
				Quantity:      1,
				CustomerEmail: fmt.Sprintf("customer-%d@example.com", customer),
			}, http.StatusCreated, nil)
			if err == nil {
				acceptedCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Orders are accepted against a stock snapshot; the decrement happens
	// asynchronously, so wait for the inventory side to settle.
	finalStock, settled := waitForStock(ctx, httpClient, *inventoryURL, product.ID)

	accepted := acceptedCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Product ID:       %d\n", product.ID)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Accepted:         %d\n", accepted)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if accepted == totalRequests {
		fmt.Printf("PASS: All %d orders accepted\n", totalRequests)
	} else {
		fmt.Printf("FAIL: Expected %d accepted, got %d\n", totalRequests, accepted)
	}

	fmt.Printf("Final Stock:      %d\n", finalStock)
	if settled && finalStock == 0 {
		fmt.Println("PASS: Stock depleted to 0 and never went negative")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", finalStock)
	}
}

func waitForStock(ctx context.Context, c *http.Client, baseURL string, id int64) (int, bool) {
	deadline := time.Now().Add(settleTimeout)
	last := -1
	for time.Now().Before(deadline) {
		var p handler.ProductResponse
		if err := call(ctx, c, http.MethodGet, fmt.Sprintf("%s/resources/%d", baseURL, id), nil, http.StatusOK, &p); err != nil {
			log.Printf("read stock: %v", err)
		} else {
			last = p.Stock
			if p.Stock == 0 {
				return 0, true
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return last, false
}

func call(ctx context.Context, c *http.Client, method, url string, body interface{}, want int, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e handler.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return errors.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, e.Detail)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}
