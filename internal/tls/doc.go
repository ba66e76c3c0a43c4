// Package tls builds client TLS connections for a message broker from a
// trust store and an optional client key store.
//
// A SocketFactory is constructed once from config.SocketFactoryConfig. It
// loads both stores, builds a single tls.Config and then hands every
// connection request to a SocketDelegate, returning the delegate's result
// unchanged. Store formats are pluggable through RegisterStoreDecoder; PKCS12
// and PEM are registered by default.
//
// Reloader rebuilds the factory when store files change on disk, so long
// running listeners pick up rotated certificates without a restart.
package tls
