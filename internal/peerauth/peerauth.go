// Package peerauth contains the methods nodes use to authenticate each other.
package peerauth

import (
	"crypto/tls"
	"net/http"
)

// PeerAuthenticationMethod is implemented by all peer authentication methods.
type PeerAuthenticationMethod interface {
	// Validate the peer authentication method
	Validate() error

	// ConfigureTLS updates the TLS configuration of the server and the client.
	// It's invoked after Validate.
	ConfigureTLS(serverConfig *tls.Config, clientConfig *tls.Config)

	// UpdateRequest updates a request object while messaging another node
	UpdateRequest(r *http.Request) error

	// ValidateIncomingRequest checks if the incoming request is authorized
	ValidateIncomingRequest(r *http.Request) (bool, error)
}
