// Package legosec distributes pre-shared keys through a Key Distribution
// Center and uses them to authenticate direct peer-to-peer channels without
// certificates.
//
// A Client bootstraps a PSK with the KDC (package bootstrap), registers or
// renews its identity in the KDC's store (package identity), and then
// listens for or dials peers over PSK-authenticated channels (package
// channel). Authorization is explicit: a peer may open a channel only after
// the acceptor has authorized its client id, and an initiator refuses to
// dial a peer it has not itself authorized.
package legosec
