// Package viewer serves the local HTTP API of a peer: call control, call
// state as JSON and SSE, history and logs.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

type Viewer struct {
	Addr    string
	Self    func() routes.Self
	Calls   routes.Calls
	History routes.History // may be nil
	Logs    *LogBuffer     // may be nil

	srv *http.Server
	url string
}

func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	d := routes.Deps{
		Self:    v.Self,
		Calls:   v.Calls,
		History: v.History,
	}
	if v.Logs != nil {
		d.Logs = v.Logs
	}
	routes.Register(mux, d)
	return noCache(mux)
}

// Start listens on Addr and serves until ctx ends.
func (v *Viewer) Start(ctx context.Context) error {
	if v.Calls == nil {
		return errors.New("viewer: no call manager")
	}
	ln, err := net.Listen("tcp", v.Addr)
	if err != nil {
		return fmt.Errorf("viewer listen %s: %w", v.Addr, err)
	}
	v.url = "http://" + ln.Addr().String()
	v.srv = &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = v.srv.Shutdown(shctx)
	}()
	go func() {
		if err := v.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("VIEWER: server error: %v", err)
		}
	}()

	log.Printf("VIEWER: listening on %s", v.url)
	return nil
}

// URL is the base URL after Start.
func (v *Viewer) URL() string { return v.url }
