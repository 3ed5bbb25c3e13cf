package wire

import "context"

// Handler is the interface for request frame handlers
type Handler interface {
	// Handle processes a request frame and returns a response
	Handle(ctx context.Context, frame *Frame) (*Frame, error)
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, frame *Frame) (*Frame, error)

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, frame *Frame) (*Frame, error) {
	return f(ctx, frame)
}

// Dispatcher routes request frames to handlers based on method
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new request dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a method
func (d *Dispatcher) Register(method string, handler Handler) {
	d.handlers[method] = handler
}

// RegisterFunc registers a handler function for a method
func (d *Dispatcher) RegisterFunc(method string, handler HandlerFunc) {
	d.handlers[method] = handler
}

// Dispatch routes a request frame to the registered handler
func (d *Dispatcher) Dispatch(ctx context.Context, frame *Frame) (*Frame, error) {
	handler, ok := d.handlers[frame.Method]
	if !ok {
		return NewError(frame.ID, frame.Method, ErrorCodeUnknownMethod,
			"Unknown method: "+frame.Method, nil)
	}
	return handler.Handle(ctx, frame)
}

// HasHandler returns true if a handler is registered for the method
func (d *Dispatcher) HasHandler(method string) bool {
	_, ok := d.handlers[method]
	return ok
}

// Methods returns the registered method names.
func (d *Dispatcher) Methods() []string {
	methods := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		methods = append(methods, m)
	}
	return methods
}
