package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"tend/internal/eventbus"
	"tend/internal/schedule"
	logx "tend/pkg/logx"
)

func (s *Server) routes(e *echo.Echo, cur Config) {
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("api request",
				logx.String("method", v.Method), logx.String("uri", v.URI),
				logx.Int("status", v.Status), logx.Duration("latency", v.Latency))
			return nil
		},
	}))
	if tok := strings.TrimSpace(cur.Token); tok != "" {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Validator: func(key string, c echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(tok)) == 1, nil
			},
			ErrorHandler: func(err error, c echo.Context) error {
				return echo.ErrUnauthorized
			},
		}))
	}

	g := e.Group("/api")
	g.POST("/notifications", s.createNotification)
	g.GET("/notifications/upcoming", s.upcoming)
	g.GET("/notifications/next", s.next)
	g.GET("/notifications/:id", s.getNotification)
	g.GET("/stats/daily", s.daily)
	g.GET("/meeting-mode", s.getMeetingMode)
	g.PUT("/meeting-mode", s.putMeetingMode)
	g.GET("/health", s.health)
	g.GET("/events", s.streamEvents)

	if cur.Pprof {
		p := e.Group("/debug/pprof")
		p.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		p.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		p.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		p.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		// Index also serves the named profiles (heap, goroutine, ...).
		p.GET("/*", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}
}

func (s *Server) createNotification(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	d, err := schedule.NewDraft(req.Title, req.Message, req.Time, req.Urgent, time.Local)
	var verr *schedule.ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusBadRequest, validationBody{Error: verr.Error(), Fields: verr.Fields})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	id, err := s.deps.Store.Insert(ctx, d)
	if err != nil {
		s.log.Error("insert notification failed", logx.Err(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not save notification")
	}
	s.log.Info("notification scheduled", logx.Int64("id", id), logx.String("title", d.Title),
		logx.Time("at", d.At), logx.Bool("urgent", d.Urgent))

	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.ScheduleChanged, Data: eventbus.ChangeSummary{Source: "api", Inserted: id}})
	}
	if s.deps.Dispatcher != nil {
		s.deps.Dispatcher.Poke()
	}

	n, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		n = schedule.Notification{ID: id, Title: d.Title, Message: d.Message, At: schedule.FormatTime(d.At), Urgent: d.Urgent}
	}
	return c.JSON(http.StatusCreated, s.view(n))
}

func (s *Server) getNotification(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a positive integer")
	}
	n, err := s.deps.Store.Get(c.Request().Context(), id)
	if errors.Is(err, schedule.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	if err != nil {
		return s.storeError("get notification", err)
	}
	return c.JSON(http.StatusOK, s.view(n))
}

func (s *Server) upcoming(c echo.Context) error {
	limit, err := intParam(c, "limit", 50, 1, 500)
	if err != nil {
		return err
	}
	ns, err := s.deps.Store.Upcoming(c.Request().Context(), limit)
	if err != nil {
		return s.storeError("upcoming", err)
	}
	return c.JSON(http.StatusOK, s.views(ns))
}

// next lists pending notifications due within the next hours, filtered by q.
func (s *Server) next(c echo.Context) error {
	hours, err := intParam(c, "hours", 24, 1, 24*30)
	if err != nil {
		return err
	}
	now := s.deps.Now()
	ns, err := s.deps.Store.Between(c.Request().Context(), now, now.Add(time.Duration(hours)*time.Hour))
	if err != nil {
		return s.storeError("next", err)
	}
	return c.JSON(http.StatusOK, s.views(schedule.Search(ns, c.QueryParam("q"))))
}

func (s *Server) daily(c echo.Context) error {
	days, err := intParam(c, "days", 7, 1, 366)
	if err != nil {
		return err
	}
	counts, err := s.deps.Store.CountByDay(c.Request().Context(), s.deps.Now(), days)
	if err != nil {
		return s.storeError("daily stats", err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (s *Server) getMeetingMode(c echo.Context) error {
	if s.deps.MeetingMode == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "meeting mode unavailable")
	}
	on, err := s.deps.MeetingMode.MeetingMode(c.Request().Context())
	if err != nil {
		return s.storeError("read meeting mode", err)
	}
	return c.JSON(http.StatusOK, meetingModeBody{MeetingMode: on})
}

func (s *Server) putMeetingMode(c echo.Context) error {
	if s.deps.MeetingMode == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "meeting mode unavailable")
	}
	var body meetingModeBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	if err := s.deps.MeetingMode.SetMeetingMode(c.Request().Context(), body.MeetingMode); err != nil {
		return s.storeError("write meeting mode", err)
	}
	s.log.Info("meeting mode set", logx.Bool("on", body.MeetingMode))
	if !body.MeetingMode && s.deps.Dispatcher != nil {
		// Held reminders are due now.
		s.deps.Dispatcher.Poke()
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) health(c echo.Context) error {
	if s.deps.Health == nil {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	return c.JSON(http.StatusOK, s.deps.Health())
}

func (s *Server) storeError(op string, err error) error {
	s.log.Error("api store error", logx.String("op", op), logx.Err(err))
	return echo.NewHTTPError(http.StatusInternalServerError, op+" failed")
}

func (s *Server) view(n schedule.Notification) notificationView {
	v := notificationView{Notification: n}
	if at, err := n.ScheduledTime(time.Local); err == nil {
		v.DueIn = humanize.RelTime(at, s.deps.Now(), "ago", "from now")
	}
	return v
}

func (s *Server) views(ns []schedule.Notification) []notificationView {
	out := make([]notificationView, 0, len(ns))
	for _, n := range ns {
		out = append(out, s.view(n))
	}
	return out
}

func intParam(c echo.Context, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be an integer in ["+strconv.Itoa(lo)+", "+strconv.Itoa(hi)+"]")
	}
	return v, nil
}
