package config

import (
	up "go.mau.fi/util/configupgrade"
)

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "hearth", "address")
	helper.Copy(up.Str, "hearth", "hostname")
	helper.Copy(up.Int, "hearth", "port")

	helper.Copy(up.Int, "room", "parked_event_limit")
	helper.Copy(up.Int, "room", "parked_retry_limit")
	helper.Copy(up.Int, "room", "backfill_fanout")
	helper.Copy(up.Int, "room", "backfill_limit")
	helper.Copy(up.Int, "room", "backfill_concurrency")
	helper.Copy(up.Int, "room", "event_cache_size")
	helper.Copy(up.Int, "room", "resolution_cache_size")
	helper.Copy(up.Int, "room", "queue_size")

	helper.Copy(up.Int, "sync", "timeline_limit")
	helper.Copy(up.Str, "sync", "default_timeout")
	helper.Copy(up.Str, "sync", "max_timeout")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"hearth"},
	{"room"},
	{"sync"},
	{"database"},
	{"logging"},
}
