/*
 * EliasDB
 *
 * Copyright 2016 Matthias Ladkau. All rights reserved.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

/*
Package config holds the configuration surface recognized by the mesh
and sync core (spec §6). Configuration is a flat string-keyed map,
loaded from a JSON file and backed by hardcoded defaults, matching the
teacher's own config package: every value is stored as a string and
converted on read by the typed accessors.
*/
package config

import (
	"encoding/json"
	"os"
	"strconv"
)

/*
ProductVersion is reported by the /about endpoint.
*/
const ProductVersion = "0.1.0"

/*
Key identifies a single configuration setting.
*/
type Key string

/*
Recognized configuration keys (spec §6).
*/
const (
	InstanceIID     Key = "instance.iid"
	InstanceAddress Key = "instance.address"
	HTTPPort        Key = "http.port"

	MeshEnabled                Key = "mesh.enabled"
	MeshHeartbeatIntervalSecs  Key = "mesh.heartbeat_interval_secs"
	MeshStaleTimeoutSecs       Key = "mesh.stale_timeout_secs"
	MeshLeaderElection         Key = "mesh.leader_election"

	SyncEnabled             Key = "sync.enabled"
	SyncIntervalSecs        Key = "sync.sync_interval_secs"
	SyncMaxConcurrentSyncs  Key = "sync.max_concurrent_syncs"
	SyncRetryIntervalSecs   Key = "sync.retry_interval_secs"
	SyncMaxRetries          Key = "sync.max_retries"

	SyncStrategyIncrementalThreshold    Key = "sync.strategy.incremental_threshold"
	SyncStrategyChangelogRetentionDays  Key = "sync.strategy.changelog_retention_days"

	SyncConflictResolutionStrategy    Key = "sync.conflict_resolution.strategy"
	SyncConflictResolutionAutoMerge   Key = "sync.conflict_resolution.auto_merge"
	SyncConflictResolutionLogConflicts Key = "sync.conflict_resolution.log_conflicts"
	SyncConflictLogRetentionDays      Key = "sync.conflict_log_retention_days"

	// SyncGraphs and SyncExclude hold comma-separated graph ids and are
	// read with List, not Str; supplemented from original_source's
	// per-graph sync opt-in (see DESIGN.md Open Question decisions).
	SyncGraphs             Key = "sync.graphs"
	SyncExclude            Key = "sync.exclude"
	SyncEnabledByDefault   Key = "sync.enabled_by_default"

	BusMaxQueueSize   Key = "bus.max_queue_size"
	BusRetentionSecs  Key = "bus.retention_secs"
)

/*
DefaultConfig holds the value used for a key when it is absent from the
loaded config file.
*/
var DefaultConfig = map[Key]string{
	InstanceAddress: "http://localhost:9040",
	HTTPPort:        "9040",

	MeshEnabled:               "true",
	MeshHeartbeatIntervalSecs: "30",
	MeshStaleTimeoutSecs:      "90",
	MeshLeaderElection:        "true",

	SyncEnabled:            "true",
	SyncIntervalSecs:       "60",
	SyncMaxConcurrentSyncs: "3",
	SyncRetryIntervalSecs:  "300",
	SyncMaxRetries:         "3",

	SyncStrategyIncrementalThreshold:   "0.3",
	SyncStrategyChangelogRetentionDays: "7",

	SyncConflictResolutionStrategy:     "merge",
	SyncConflictResolutionAutoMerge:    "true",
	SyncConflictResolutionLogConflicts: "true",
	SyncConflictLogRetentionDays:       "30",

	SyncGraphs:           "",
	SyncExclude:          "",
	SyncEnabledByDefault: "true",

	BusMaxQueueSize:  "1000",
	BusRetentionSecs: "3600",
}

/*
Config holds the currently active configuration. nil until
LoadConfigFile or LoadDefaultConfig has been called.
*/
var Config map[Key]string

/*
LoadDefaultConfig resets Config to a fresh copy of DefaultConfig.
*/
func LoadDefaultConfig() {
	Config = make(map[Key]string, len(DefaultConfig))
	for k, v := range DefaultConfig {
		Config[k] = v
	}
}

/*
LoadConfigFile loads configuration from a JSON file, filling in any key
missing from the file with its default value.
*/
func LoadConfigFile(path string) error {
	LoadDefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			Config[Key(k)] = s
			continue
		}
		// Numbers and booleans decode to their Go literal string form.
		var generic any
		if err := json.Unmarshal(v, &generic); err != nil {
			return err
		}
		Config[Key(k)] = jsonScalarToString(generic)
	}

	return nil
}

func jsonScalarToString(v any) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

// Typed accessors
// ===============

/*
Str returns the raw string value for key.
*/
func Str(key Key) string {
	return Config[key]
}

/*
Int returns key's value parsed as an integer, or 0 if it does not
parse.
*/
func Int(key Key) int {
	v, _ := strconv.Atoi(Config[key])
	return v
}

/*
Float returns key's value parsed as a float64, or 0 if it does not
parse.
*/
func Float(key Key) float64 {
	v, _ := strconv.ParseFloat(Config[key], 64)
	return v
}

/*
Bool returns key's value parsed as a boolean. Any value other than
"true" is treated as false.
*/
func Bool(key Key) bool {
	return Config[key] == "true"
}

/*
List splits a comma-separated value into its elements, dropping empty
entries. Used for SyncGraphs and SyncExclude.
*/
func List(key Key) []string {
	raw := Config[key]
	if raw == "" {
		return nil
	}

	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}
