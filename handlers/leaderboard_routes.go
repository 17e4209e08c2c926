package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"idle-arena/middleware"
	"idle-arena/models"
	"idle-arena/services"
)

// StreamKeepAlive is the comment-frame interval on open event streams.
var StreamKeepAlive = 15 * time.Second

type rankedEntry struct {
	models.LeaderboardEntry
	NextTier         string `json:"next_tier,omitempty"`
	NextTierMinLevel int    `json:"next_tier_min_level,omitempty"`
}

func withNextTier(e models.LeaderboardEntry) rankedEntry {
	out := rankedEntry{LeaderboardEntry: e}
	if name, lvl, ok := services.NextTier(e.BestLevel); ok {
		out.NextTier, out.NextTierMinLevel = name, lvl
	}
	return out
}

func SetupLeaderboardRoutes(app *fiber.App, board *services.LeaderboardAggregator, orch *services.SessionOrchestrator, hub *services.Hub, validator middleware.TokenValidator) {
	app.Get("/leaderboard", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 0)
		offset := c.QueryInt("offset", 0)
		rows, err := board.Page(c.UserContext(), limit, offset)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{
			"leaderboard": rows,
			"count":       len(rows),
			"offset":      offset,
			"updated_at":  board.Snapshot().Timestamp,
		})
	})

	app.Get("/leaderboard/user/:userId", func(c *fiber.Ctx) error {
		entry, err := board.GetByUser(c.UserContext(), c.Params("userId"))
		if err != nil {
			return fail(c, err)
		}
		if entry == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "user has no leaderboard entry",
			})
		}
		return c.JSON(withNextTier(*entry))
	})

	app.Get("/players/online", func(c *fiber.Ctx) error {
		players := orch.OnlinePlayers()
		return c.JSON(services.OnlinePlayersUpdate{
			Players:   players,
			Count:     len(players),
			Timestamp: time.Now(),
		})
	})

	app.Get("/leaderboard/stream", middleware.StreamAuthMiddleware(validator), func(c *fiber.Ctx) error {
		return streamEvents(c, board, hub)
	})
}

// streamEvents pushes leaderboard, presence and the caller's own record events
// as server-sent events until the client goes away.
func streamEvents(c *fiber.Ctx, board *services.LeaderboardAggregator, hub *services.Hub) error {
	userID := middleware.UserID(c)
	topics := []string{services.TopicLeaderboard, services.TopicPresence}
	if userID != "" {
		topics = append(topics, services.UserTopic(userID))
	}
	sub := hub.Subscribe(topics...)
	initial := board.Snapshot()
	done := c.Context().Done()

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer hub.Unsubscribe(sub)

		ticker := time.NewTicker(StreamKeepAlive)
		defer ticker.Stop()

		if err := writeEvent(w, services.Event{Type: services.EventLeaderboardUpdate, Payload: initial}); err != nil {
			return
		}

		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					log.Printf("[SSE] stream for %s closed: %v", userID, err)
					return
				}
			case <-ticker.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, ev services.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return w.Flush()
}
