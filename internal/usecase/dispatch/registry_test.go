package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"canvaslink/internal/domain"
)

func noopHandler(_ context.Context, _ *domain.Session, _ json.RawMessage) (any, error) {
	return nil, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	desc := Descriptor{
		Name:    "get_node_info",
		Summary: "Returns a node by id",
		Schema:  json.RawMessage(`{"type":"object","required":["nodeId"],"properties":{"nodeId":{"type":"string"}}}`),
		Timeout: 5 * time.Second,
		Handler: noopHandler,
	}
	if err := r.Register(desc); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Get("get_node_info")
	if !ok {
		t.Fatal("Get() did not find registered command")
	}
	if got.Summary != desc.Summary || got.Timeout != desc.Timeout {
		t.Errorf("Get() = %+v", got)
	}

	if _, ok := r.Get("unregistered"); ok {
		t.Error("Get() found a command that was never registered")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	desc := Descriptor{Name: "ping", Handler: noopHandler}

	if err := r.Register(desc); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	err := r.Register(desc)
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("second Register() error = %v, want ErrDuplicate", err)
	}
}

func TestRegisterValidatesDescriptor(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Descriptor{Handler: noopHandler}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("nameless Register() error = %v, want ErrInvalidInput", err)
	}
	if err := r.Register(Descriptor{Name: "ping"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("handlerless Register() error = %v, want ErrInvalidInput", err)
	}
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	desc := Descriptor{
		Name:    "broken",
		Schema:  json.RawMessage(`{"type": 42}`),
		Handler: noopHandler,
	}
	err := r.Register(desc)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Register() error = %v, want ErrInvalidInput for a bad schema", err)
	}
	if _, ok := r.Get("broken"); ok {
		t.Error("command with a bad schema was registered anyway")
	}
}

func TestNamesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"ping", "create_frame", "scan_text_nodes", "delete_node"} {
		if err := r.Register(Descriptor{Name: name, Handler: noopHandler}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	want := []string{"create_frame", "delete_node", "ping", "scan_text_nodes"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	list := r.List()
	for i, desc := range list {
		if desc.Name != want[i] {
			t.Errorf("List()[%d].Name = %q, want %q", i, desc.Name, want[i])
		}
	}
}
