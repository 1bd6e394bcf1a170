package rtc

import (
	"fmt"

	"github.com/dkeye/Debate/internal/peer"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// STUNServers are the only ICE servers; there is no TURN fallback, so
	// peers behind symmetric NATs may never connect.
	STUNServers                []string
	DisableDefaultInterceptors bool
	IncludeLoopback            bool
	LogLevel                   zerolog.Level
}

// ApiFactory builds peer connections that share one configured pion API.
type ApiFactory struct {
	api  *webrtc.API
	conf webrtc.Configuration
}

func NewApiFactory(opts Options) (*ApiFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if opts.DisableDefaultInterceptors {
		responder, err := nack.NewResponderInterceptor()
		if err != nil {
			return nil, fmt.Errorf("create nack responder: %w", err)
		}
		i.Add(responder)
	} else if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{LoggerFactory: NewPionLogger(log.Logger, opts.LogLevel)}
	if opts.IncludeLoopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	c := webrtc.Configuration{ICEServers: []webrtc.ICEServer{}}
	for _, url := range opts.STUNServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	return &ApiFactory{
		api:  webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf: c,
	}, nil
}

func (a *ApiFactory) NewConn() (peer.Conn, error) {
	pc, err := a.api.NewPeerConnection(a.conf)
	if err != nil {
		return nil, err
	}
	return newWebRTCConnection(pc), nil
}
