package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"ffb-core/matchmaker/auth"
	"ffb-core/matchmaker/rooms"
	"ffb-core/utils"
)

const (
	keepAliveEvery  = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

type claimRequest struct {
	UserID     string `json:"userId"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type claimResponse struct {
	Car       *rooms.Car `json:"car"`
	Token     string     `json:"token"`
	ExpiresIn int64      `json:"expiresIn"` // token lifetime, seconds
}

type releaseRequest struct {
	UserID string `json:"userId"`
	CarID  string `json:"carId"`
}

// Server exposes the car registry over HTTP and SSE
type Server struct {
	ctx    context.Context
	app    *fiber.App
	reg    *rooms.Registry
	signer *auth.Signer
	log    *utils.Logger
}

// NewServer builds the app. Open event streams end when ctx does.
func NewServer(ctx context.Context, reg *rooms.Registry, signer *auth.Signer, log *utils.Logger) *Server {
	s := &Server{ctx: ctx, reg: reg, signer: signer, log: log}

	app := fiber.New(fiber.Config{
		AppName:               "matchmaker",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))

	app.Get("/health", s.handleHealth)
	app.Get("/rooms", s.handleRooms)
	app.Post("/claim", s.handleClaim)
	app.Post("/release", s.handleRelease)
	app.Post("/cars/:id/busy", s.handleBusy)
	app.Post("/cars/:id/free", s.handleFree)
	app.Get("/events", s.handleEvents)

	s.app = app
	return s
}

func (s *Server) App() *fiber.App { return s.app }

// Serve handles requests on ln until ctx ends. ln is closed on return, so a
// cancel that lands before the server starts accepting cannot leave it blocked.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("Matchmaker listening on %s", ln.Addr())
		err := s.app.Listener(ln)
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		err := s.app.ShutdownWithTimeout(shutdownTimeout)
		_ = ln.Close()
		return err
	})
	return g.Wait()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	cars := s.reg.List()
	free := 0
	for _, car := range cars {
		if car.State == rooms.CarFree {
			free++
		}
	}
	return c.JSON(fiber.Map{"status": "ok", "cars": len(cars), "free": free})
}

func (s *Server) handleRooms(c *fiber.Ctx) error {
	return c.JSON(s.reg.List())
}

func (s *Server) handleClaim(c *fiber.Ctx) error {
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.UserID == "" {
		return badRequest(c, "userId required")
	}

	car, err := s.reg.Claim(req.UserID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return s.writeError(c, err)
	}
	token, err := s.signer.Sign(req.UserID, car.ID)
	if err != nil {
		// don't leave the car reserved without a token
		_, _ = s.reg.Release(req.UserID, car.ID)
		return s.writeError(c, fmt.Errorf("sign token: %w", err))
	}
	return c.JSON(claimResponse{Car: car, Token: token, ExpiresIn: int64(s.signer.TTL().Seconds())})
}

func (s *Server) handleRelease(c *fiber.Ctx) error {
	var req releaseRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.UserID == "" || req.CarID == "" {
		return badRequest(c, "userId and carId required")
	}

	if tok, ok := bearerToken(c); ok {
		claims, err := s.signer.Verify(tok)
		if err != nil {
			return s.writeError(c, err)
		}
		if claims.UserID != req.UserID || claims.CarID != req.CarID {
			return s.writeError(c, rooms.ErrNotOwner)
		}
	}

	car, err := s.reg.Release(req.UserID, req.CarID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(car)
}

func (s *Server) handleBusy(c *fiber.Ctx) error {
	return s.setState(c, s.reg.MarkBusy)
}

func (s *Server) handleFree(c *fiber.Ctx) error {
	return s.setState(c, s.reg.MarkFree)
}

func (s *Server) setState(c *fiber.Ctx, mark func(string) error) error {
	id := c.Params("id")
	if err := mark(id); err != nil {
		return s.writeError(c, err)
	}
	car, err := s.reg.Get(id)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(car)
}

func (s *Server) handleEvents(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ch := s.reg.Subscribe()
		defer s.reg.Unsubscribe(ch)
		s.log.Debug("SSE subscriber connected")
		defer s.log.Debug("SSE subscriber gone")
		streamEvents(s.ctx, w, ch)
	}))
	return nil
}

// streamEvents writes events from ch until ctx ends, ch closes or the
// client goes away. The first event (the snapshot) is always written.
func streamEvents(ctx context.Context, w *bufio.Writer, ch <-chan rooms.Event) {
	write := func(ev rooms.Event) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", rooms.MarshalEvent(ev)); err != nil {
			return err
		}
		return w.Flush()
	}

	first, ok := <-ch
	if !ok || write(first) != nil {
		return
	}

	ping := time.NewTicker(keepAliveEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok || write(ev) != nil {
				return
			}
		case <-ping.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		s.log.Error("%s %s: %v", c.Method(), c.Path(), err)
	} else {
		s.log.Debug("%s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rooms.ErrCarNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, rooms.ErrNotOwner):
		return fiber.StatusForbidden
	case errors.Is(err, rooms.ErrNoFreeCars):
		return fiber.StatusConflict
	case errors.Is(err, auth.ErrInvalidToken):
		return fiber.StatusUnauthorized
	default:
		return fiber.StatusInternalServerError
	}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	h := c.Get(fiber.HeaderAuthorization)
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || tok == "" {
		return "", false
	}
	return tok, true
}
