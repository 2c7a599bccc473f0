package controller

import (
	"log"

	"cadence/worker"

	"github.com/gofiber/websocket/v2"
)

// HandleDispatchProgressWS streams dispatch events to a websocket
// client until it disconnects
func HandleDispatchProgressWS(hub *worker.EventHub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		events, unsubscribe := hub.Subscribe()
		defer unsubscribe()

		for event := range events {
			if err := c.WriteJSON(event); err != nil {
				log.Printf("Error writing dispatch event: %v", err)
				return
			}
		}
	}
}
