// Package topic parses and builds the MQTT topics exchanged with home nodes.
//
// Inbound state:   home/<home_id>/<node>/<type>/<name>/state
// Inbound status:  home/<home_id>/<node>/status   (payload "online"/"offline")
// Outbound command: home/<home_id>/<node>/<type>/<name>/set (or /cmd)
//
// Parse never panics; callers log and drop anything that fails with
// ErrInvalidTopic.
package topic
