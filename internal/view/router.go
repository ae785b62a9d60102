package view

import "sync"

// Router tracks the current view path and moves attached controllers along
// with it. It satisfies auth.Navigator, so a session teardown that redirects
// to the login view reaches every mounted controller.
type Router struct {
	mu          sync.Mutex
	path        string
	controllers map[*Controller]struct{}
}

// NewRouter creates a Router starting at path.
func NewRouter(path string) *Router {
	return &Router{path: path, controllers: make(map[*Controller]struct{})}
}

// CurrentPath returns the active path.
func (r *Router) CurrentPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Navigate switches to path and notifies attached controllers.
func (r *Router) Navigate(path string) {
	r.mu.Lock()
	if path == r.path {
		r.mu.Unlock()
		return
	}
	r.path = path
	targets := make([]*Controller, 0, len(r.controllers))
	for c := range r.controllers {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.Navigate(path)
	}
}

// Attach makes c follow navigation and returns a function that detaches it.
func (r *Router) Attach(c *Controller) (detach func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[c] = struct{}{}
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.controllers, c)
	}
}
