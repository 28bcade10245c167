/*
Package servicebus provides the facade callers hold: a Bus forwarding to the active or no-op
delegate chosen at construction. It stays decoupled from concrete transports via interfaces.
*/
package servicebus
