package main

import (
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// restHandler produces the response body for one status route.
type restHandler = func() (interface{}, error)

// restServer serves read-only JSON status over HTTP.
type restServer struct {
	port   int
	server *fiber.App
}

// newRESTServer creates the status server.
func newRESTServer(port int) *restServer {
	return &restServer{
		port:   port,
		server: fiber.New(fiber.Config{DisableStartupMessage: true}),
	}
}

// Run blocks serving requests.
func (r *restServer) Run() error {
	return r.server.Listen(":" + fmt.Sprint(r.port))
}

// Shutdown stops the server.
func (r *restServer) Shutdown() error {
	return r.server.Shutdown()
}

// Get registers a JSON GET route.
func (r *restServer) Get(route string, fn restHandler) {
	r.server.Get(route, func(c *fiber.Ctx) error {
		o, err := fn()
		if err != nil {
			return err
		}

		data, err := json.Marshal(o)
		if err != nil {
			return err
		}

		c.Context().SetContentType("application/json")
		return c.Send(data)
	})
}
