// Package chirp implements the CHIRP peer discovery protocol: a wire codec
// for fixed-length UDP datagrams, and a Manager that maintains the set of
// services registered locally and discovered from peers while running the
// REQUEST/OFFER/LEAVING state machine described in the protocol's design
// notes. It is transport-agnostic; see lib/beacon for the concrete UDP
// broadcast and IPv6 multicast carriers.
package chirp
