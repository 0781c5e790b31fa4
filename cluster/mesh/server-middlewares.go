package mesh

import (
	"net/http"

	"github.com/italypaleale/orbit/cluster"
)

// middleware type is a function that takes an http.Handler and returns another http.Handler
type middleware func(next http.Handler) http.Handler

// use applies middlewares to the handler; the last one is the outermost
func use(h http.Handler, middlewares ...middleware) http.Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}

// middlewareMaxBodySize limits the size of the request body
func middlewareMaxBodySize(maxSize int64) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}

// middlewareNodeIDHeader adds the address of the local node to each response
func middlewareNodeIDHeader(localAddress func() cluster.NodeAddress) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(headerNodeID, localAddress().String())
			next.ServeHTTP(w, r)
		})
	}
}
