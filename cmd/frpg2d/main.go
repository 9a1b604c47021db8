// Command frpg2d runs a standalone Frpg2 transport server: it accepts
// reliable-over-UDP streams, keeps per-client message streams pumped, kicks
// idle peers, and serves a JSON status endpoint.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	frpg2 "github.com/openfrpg/frpg2net"
)

// pollInterval paces the cooperative scheduler: all streams advance once
// per tick.
const pollInterval = 10 * time.Millisecond

// client is one connected peer: its message stream plus the bookkeeping
// the idle kick needs.
type client struct {
	messages *frpg2.MessageStream
	joined   time.Time
}

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg)

	manager, err := frpg2.NewManager(&frpg2.ManagerOptions{
		ListenAddr: cfg.ListenAddr,
		CwcKey:     cfg.cwcKey(),
		Limits: &frpg2.ConnectionLimitsConfig{
			MaxConcurrentStreams: cfg.MaxStreams,
			MaxConnsPerMinute:    cfg.MaxConnsPerMinute,
		},
		AccessList: &frpg2.AccessListConfig{
			Mode:    frpg2.AccessListModeBlacklist,
			PeerIDs: cfg.BannedPeers,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start transport")
	}
	defer manager.Close()

	api := newRESTServer(cfg.APIPort)
	api.Get("/health", func() (interface{}, error) {
		return map[string]string{"status": "ok"}, nil
	})
	api.Get("/streams", func() (interface{}, error) {
		return manager.Streams(), nil
	})
	go func() {
		if err := api.Run(); err != nil {
			log.Error().Err(err).Msg("status server stopped")
		}
	}()
	defer api.Shutdown()

	accepted := make(chan *frpg2.ReliableStream, 16)
	go acceptLoop(manager, accepted)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	runServer(manager, accepted, quit)
}

// setupLogging configures zerolog for console output at the configured
// level.
func setupLogging(cfg *Configuration) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if cfg.DisassemblePackets {
		frpg2.Diagnostics.DisassembleSentPackets = true
		frpg2.Diagnostics.DisassembleReceivedPackets = true
	}
}

// acceptLoop forwards new streams from the manager until it closes.
func acceptLoop(manager *frpg2.Manager, accepted chan<- *frpg2.ReliableStream) {
	for {
		stream, err := manager.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- stream
	}
}

// runServer is the cooperative scheduler: admit new clients, pump every
// client once per tick, drop the dead and the idle.
func runServer(manager *frpg2.Manager, accepted <-chan *frpg2.ReliableStream, quit <-chan os.Signal) {
	clients := make([]*client, 0)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			log.Info().Msg("shutting down")
			for _, c := range clients {
				c.messages.Stream().Disconnect()
			}
			drainClosing(clients)
			return

		case stream, ok := <-accepted:
			if !ok {
				return
			}
			messages, err := frpg2.NewMessageStream(stream)
			if err != nil {
				log.Error().Err(err).Msg("failed to wrap stream")
				continue
			}
			clients = append(clients, &client{
				messages: messages,
				joined:   time.Now(),
			})
			log.Info().Int("clients", len(clients)).Msg("client joined")

		case <-ticker.C:
			kept := clients[:0]
			for _, c := range clients {
				if pollClient(c) {
					log.Info().Msg("client removed")
					continue
				}
				kept = append(kept, c)
			}
			clients = kept
		}
	}
}

// pollClient advances one client. Returns true when the client should be
// dropped: stream dead, or silent past the idle limit.
func pollClient(c *client) bool {
	last := c.messages.Stream().LastPacketReceivedTime()
	if last.IsZero() {
		last = c.joined
	}
	if time.Since(last) >= frpg2.ClientTimeout {
		log.Warn().Msg("client timed out")
		return true
	}

	if c.messages.Pump() {
		log.Warn().Msg("disconnecting client, stream terminated")
		return true
	}

	var msg frpg2.Message
	for c.messages.Receive(&msg) {
		log.Debug().
			Uint32("type", msg.Type).
			Uint32("index", msg.Index).
			Int("size", len(msg.Payload)).
			Msg("received message")
	}
	return false
}

// drainClosing pumps disconnecting clients until their close handshakes
// finish or the close timeout passes.
func drainClosing(clients []*client) {
	deadline := time.Now().Add(frpg2.ConnectionCloseTimeout)
	for time.Now().Before(deadline) {
		live := 0
		for _, c := range clients {
			if !c.messages.Pump() {
				live++
			}
		}
		if live == 0 {
			return
		}
		time.Sleep(pollInterval)
	}
}
