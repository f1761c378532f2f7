package main

import (
	"context"
	"reflect"
	"testing"

	"github.com/ashureev/bqagent/internal/config"
)

func TestOriginPatterns(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{[]string{"*"}, []string{"*"}},
		{[]string{"https://shop.example.com", "http://localhost:5173"}, []string{"shop.example.com", "localhost:5173"}},
		{[]string{"https://a.example.com", "*"}, []string{"*"}},
		{[]string{"shop.example.com"}, []string{"shop.example.com"}},
	}
	for _, tt := range tests {
		if got := originPatterns(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("originPatterns(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOpenWarehouseRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := openWarehouse(ctx, config.WarehouseConfig{Backend: "bigquery", Table: "not-qualified"}); err == nil {
		t.Fatal("expected error for unqualified table")
	}
	if _, err := openWarehouse(ctx, config.WarehouseConfig{Backend: "sqlite", Table: "p.d.t"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
