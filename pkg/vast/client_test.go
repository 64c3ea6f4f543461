package vast

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSearchOffers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/search/offers" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		fmt.Fprint(w, `{"offers":[{"id":42,"gpu_name":"RTX 4090","dph_total":0.31}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	offers, err := client.SearchOffers(context.Background(), SearchQuery{GPUName: "RTX_4090"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(offers))
	}
	if offers[0].ID != 42 || offers[0].PricePerHour != 0.31 {
		t.Fatalf("unexpected offer: %+v", offers[0])
	}
}

func TestCreateInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/asks/42/" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPut {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		fmt.Fprint(w, `{"success":true,"new_contract":9001}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	id, err := client.CreateInstance(context.Background(), CreateRequest{OfferID: 42, Image: "img"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != 9001 {
		t.Fatalf("expected contract 9001, got %d", id)
	}
}

func TestCreateInstanceNoContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	if _, err := client.CreateInstance(context.Background(), CreateRequest{OfferID: 1}); err == nil {
		t.Fatal("expected error when marketplace returns no contract id")
	}
}

func TestInstanceNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	if _, err := client.Instance(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDestroyInstanceGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	if err := client.DestroyInstance(context.Background(), 7); err != nil {
		t.Fatalf("destroying a gone instance should succeed, got %v", err)
	}
}

func TestDestroyInstanceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key")
	if err := client.DestroyInstance(context.Background(), 7); err == nil {
		t.Fatal("expected error on server failure")
	}
}

func TestRuntimeAddr(t *testing.T) {
	inst := Instance{
		PublicIP: "1.2.3.4",
		Ports: map[string][]PortMapping{
			"8188/tcp": {{HostIP: "0.0.0.0", HostPort: "41234"}},
		},
	}

	addr, ok := inst.RuntimeAddr(8188)
	if !ok {
		t.Fatal("expected a runtime address")
	}
	if addr != "1.2.3.4:41234" {
		t.Fatalf("unexpected addr: %s", addr)
	}

	if _, ok := inst.RuntimeAddr(9999); ok {
		t.Fatal("expected no mapping for unexposed port")
	}
}
