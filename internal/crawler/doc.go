// Package crawler defines the contracts and records shared by the ladder
// crawl: the transport, querier, governor, journal and persistence interfaces
// that the worker depends on, and the player, game and summary records it
// produces.
package crawler
