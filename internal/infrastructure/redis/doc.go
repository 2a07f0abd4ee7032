// Package redis publishes homegate change records to Redis pub/sub so an
// external realtime service can fan them out to browsers and phones.
//
// Records for home 1 are published on channel "home_1" as the JSON form of
// events.Record.
package redis
