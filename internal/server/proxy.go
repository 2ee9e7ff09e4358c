package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httputil"

	"go.uber.org/zap"
)

// setupProxy configures the reverse proxy used for resources the server does
// not have.
func (s *Server) setupProxy() {
	target := s.config.ProxyURL

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if s.config.InsecureProxy {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	s.reverseProxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host

			if target.RawQuery != "" {
				if req.URL.RawQuery == "" {
					req.URL.RawQuery = target.RawQuery
				} else {
					req.URL.RawQuery = target.RawQuery + "&" + req.URL.RawQuery
				}
			}
		},
		Transport: transport,
		// Subscriptions are relayed frame by frame.
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("proxy request failed",
				zap.String("resource", r.URL.Path),
				zap.Stringer("upstream", target),
				zap.Error(err),
			)
			http.Error(w, "Error proxying request", http.StatusBadGateway)
		},
	}

	s.logger.Info("proxy mode enabled: resources not found locally are forwarded", zap.Stringer("upstream", target))
	if s.config.InsecureProxy {
		s.logger.Warn("TLS certificate verification disabled for proxy requests")
	}
}

// proxyRequest forwards the request to the configured upstream.
func (s *Server) proxyRequest(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("resource not found locally, proxying",
		zap.String("resource", r.URL.Path),
		zap.Stringer("upstream", s.config.ProxyURL),
	)
	s.metrics.proxied.Inc()
	s.reverseProxy.ServeHTTP(w, r)
}
