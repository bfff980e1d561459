package navigation

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/roomlink/pkg/model"
	"github.com/go-go-golems/roomlink/pkg/session"
)

const (
	LoginPath   = "/auth/login"
	maxRedirect = 8
)

var ErrRedirectLoop = errors.New("navigation redirect loop")

// ChatPath is the view of a single room.
func ChatPath(id model.RoomID) string {
	return fmt.Sprintf("/chat/%d", id)
}

// Target is what a BeforeEnter hook receives.
type Target struct {
	Path  string
	Route string
	Vars  map[string]string
}

// BeforeEnter runs after the session check. A non-empty return value redirects.
type BeforeEnter func(ctx context.Context, to Target) (string, error)

type Route struct {
	Name          string
	Template      string
	LoginRequired bool
	Redirect      string
	BeforeEnter   BeforeEnter
}

// ActiveRoom is the part of the store the chat routes read and write.
type ActiveRoom interface {
	ActiveRoomID() model.RoomID
	SetActiveRoomID(id model.RoomID)
}

// Routes returns the client route table. Unknown paths fall back to the ALL room.
func Routes(active ActiveRoom) []Route {
	return []Route{
		{Name: "home", Template: "/", LoginRequired: true, BeforeEnter: func(context.Context, Target) (string, error) {
			id := active.ActiveRoomID()
			if id <= 0 {
				id = model.AllRoomID
			}
			return ChatPath(id), nil
		}},
		{Name: "chat", Template: "/chat/{id:[0-9]+}", LoginRequired: true, BeforeEnter: func(_ context.Context, to Target) (string, error) {
			id, err := strconv.ParseInt(to.Vars["id"], 10, 64)
			if err != nil {
				return "", errors.Wrapf(err, "chat route id %q", to.Vars["id"])
			}
			active.SetActiveRoomID(model.RoomID(id))
			return "", nil
		}},
		{Name: "painter", Template: "/painter", LoginRequired: true},
		{Name: "user", Template: "/user/{id:[0-9]+}", LoginRequired: true},
		{Name: "create-group", Template: "/create-group", LoginRequired: true},
		{Name: "settings", Template: "/settings", LoginRequired: true},
		{Name: "profile", Template: "/profile", LoginRequired: true, Redirect: "/profile/user-info"},
		{Name: "profile-section", Template: "/profile/{section:user-info|change-password|change-email|oauth-settings|image}", LoginRequired: true},
		{Name: "channel-settings", Template: "/channel/{id:[0-9]+}/settings", LoginRequired: true},
		{Name: "channel-room", Template: "/channel/{id:[0-9]+}/room", LoginRequired: true},
		{Name: "room-settings", Template: "/room-settings/{id:[0-9]+}", LoginRequired: true},
		{Name: "room-users", Template: "/room-users/{id:[0-9]+}", LoginRequired: true},
		{Name: "create-private-room", Template: "/create-private-room", LoginRequired: true},
		{Name: "report-issue", Template: "/report-issue", LoginRequired: true},
		{Name: "auth", Template: "/auth", Redirect: LoginPath},
		{Name: "login", Template: LoginPath},
		{Name: "reset-password", Template: "/auth/reset-password"},
		{Name: "sign-up", Template: "/auth/sign-up"},
		{Name: "proceed-reset-password", Template: "/auth/proceed-reset-password"},
		{Name: "confirm-email", Template: "/confirm_email"},
	}
}

// Router resolves paths against the route table and keeps the single current
// entry. Every navigation replaces it.
type Router struct {
	mux    *mux.Router
	routes map[string]Route
	holder *session.Holder
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	current string
}

type RouterOption func(*Router)

func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

func WithRouterLogger(l zerolog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

func NewRouter(routes []Route, holder *session.Holder, opts ...RouterOption) (*Router, error) {
	r := &Router{
		mux:    mux.NewRouter(),
		routes: map[string]Route{},
		holder: holder,
		now:    time.Now,
		logger: log.With().Str("component", "router").Logger(),
	}
	for _, rt := range routes {
		if rt.Name == "" || rt.Template == "" {
			return nil, errors.Errorf("route %q: name and template are required", rt.Name)
		}
		if _, ok := r.routes[rt.Name]; ok {
			return nil, errors.Errorf("route %q registered twice", rt.Name)
		}
		r.mux.Path(rt.Template).Name(rt.Name)
		if err := r.mux.Get(rt.Name).GetError(); err != nil {
			return nil, errors.Wrapf(err, "route %q", rt.Name)
		}
		r.routes[rt.Name] = rt
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Current is the path of the current entry, empty before the first navigation.
func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Router) match(path string) (Route, map[string]string, bool) {
	req, err := http.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return Route{}, nil, false
	}
	var m mux.RouteMatch
	if !r.mux.Match(req, &m) || m.Route == nil {
		return Route{}, nil, false
	}
	rt, ok := r.routes[m.Route.GetName()]
	return rt, m.Vars, ok
}

func normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// Resolve follows redirects, the session guard and BeforeEnter hooks and returns
// the path that would become current.
func (r *Router) Resolve(ctx context.Context, to string) (string, error) {
	path := normalize(to)
	for hop := 0; hop < maxRedirect; hop++ {
		rt, vars, ok := r.match(path)
		if !ok {
			r.logger.Debug().Str("path", path).Msg("unknown route, falling back to ALL room")
			path = ChatPath(model.AllRoomID)
			continue
		}
		if rt.LoginRequired && !r.holder.Get().Valid(r.now()) {
			path = LoginPath
			continue
		}
		if rt.Redirect != "" {
			path = rt.Redirect
			continue
		}
		if rt.BeforeEnter != nil {
			next, err := rt.BeforeEnter(ctx, Target{Path: path, Route: rt.Name, Vars: vars})
			if err != nil {
				return "", err
			}
			if next != "" && normalize(next) != path {
				path = normalize(next)
				continue
			}
		}
		return path, nil
	}
	return "", errors.Wrapf(ErrRedirectLoop, "navigating to %q", to)
}

// Replace resolves to and makes it the current entry. It reports whether the
// current entry changed.
func (r *Router) Replace(ctx context.Context, to string) (bool, error) {
	path, err := r.Resolve(ctx, to)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if path == r.current {
		return false, nil
	}
	r.logger.Debug().Str("from", r.current).Str("to", path).Msg("navigate")
	r.current = path
	return true, nil
}

// Navigate is Replace, except that asking for the current path does nothing.
func (r *Router) Navigate(ctx context.Context, to string) (bool, error) {
	if to == r.Current() {
		return false, nil
	}
	return r.Replace(ctx, to)
}
