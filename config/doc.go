/*
Package config layers event bus options (defaults, module-wide Provider settings, transport
overrides) and turns them into a ready servicebus.Bus.
*/
package config
