// Package network contains the UDP listener of the responder. It reads datagrams from a single
// socket and hands each one, wrapped as a net.Conn, to a handler running in its own goroutine so
// that a slow or failing transaction never holds up the next datagram.
package network
