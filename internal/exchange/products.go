package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const catalogTimeout = 10 * time.Second

// ProductCatalog lists the instruments an exchange advertises.
type ProductCatalog interface {
	Products(ctx context.Context) ([]string, error)
}

type product struct {
	ID string `json:"id"`
}

// RestCatalog reads the public GET /products endpoint.
type RestCatalog struct {
	client *resty.Client
}

// NewRestCatalog creates a catalog for the REST api rooted at baseURL.
func NewRestCatalog(baseURL string) *RestCatalog {
	return &RestCatalog{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("Accept", "application/json").
			SetTimeout(catalogTimeout).
			SetRetryCount(2),
	}
}

func (c *RestCatalog) Products(ctx context.Context) ([]string, error) {
	var products []product
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&products).
		Get("/products")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list products: %s", resp.Status())
	}

	ids := make([]string, 0, len(products))
	for _, p := range products {
		if p.ID != "" {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// Reconcile keeps the configured instruments the exchange advertises, once each, in configured order.
func Reconcile(configured, advertised []string) []string {
	available := make(map[string]struct{}, len(advertised))
	for _, id := range advertised {
		available[strings.ToUpper(id)] = struct{}{}
	}

	seen := make(map[string]struct{}, len(configured))
	valid := make([]string, 0, len(configured))
	for _, id := range configured {
		id = strings.ToUpper(strings.TrimSpace(id))
		if _, ok := available[id]; !ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		valid = append(valid, id)
	}
	return valid
}
