// SPDX-License-Identifier: MIT

package cti

// wireCommands maps logical command names to the controller's wire commands.
// Derived from the CTI On-Board pump profile.
var wireCommands = map[string]string{
	"pump_status":          "A?",
	"pump_on":              "A1",
	"pump_off":             "A0",
	"get_temp_1st_stage":   "J",
	"get_temp_2nd_stage":   "K",
	"get_pump_tc_pressure": "L",
	"get_aux_tc_pressure":  "M",
	"get_status_1":         "S1",
	"get_status_2":         "S2",
	"get_status_3":         "S3",
	"get_rough_valve":      "D?",
	"open_rough_valve":     "D1",
	"close_rough_valve":    "D0",
	"get_purge_valve":      "E?",
	"open_purge_valve":     "E1",
	"close_purge_valve":    "E0",
	"start_regen":          "N1",
	"start_fast_regen":     "N2",
	"abort_regen":          "N0",
	"get_regen_step":       "O",
	"get_regen_status":     "O",
}

// WireCommand resolves a logical command name to its wire command. Matching
// is exact; there are no aliases.
func WireCommand(name string) (string, bool) {
	cmd, ok := wireCommands[name]
	return cmd, ok
}
