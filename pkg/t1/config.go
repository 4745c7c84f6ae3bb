package t1

import "github.com/scio7816/cardio/pkg/config"

// Configuration parameter ids.
const (
	CfgInterByteMs = iota
	CfgATRMs
	CfgResponseMs
	CfgResponseMaxMs
	CfgUseCRC
	CfgIFSC
	CfgIFSD
	CfgDwFeatures
	CfgPPSSize
	CfgTA1Value
	CfgIsUSBReader
	CfgRxSkipBytes
)

// DefaultEntries returns the declared engine configuration vector
// with its standard defaults.
func DefaultEntries() []config.Entry {
	return []config.Entry{
		{ID: int(CfgInterByteMs), Name: "tm_interbyte", Min: 1, Max: int(MaxTimerMs), Default: 200},
		{ID: int(CfgATRMs), Name: "tm_atr", Min: 1, Max: int(MaxTimerMs), Default: 1000},
		{ID: int(CfgResponseMs), Name: "tm_response", Min: 1, Max: int(MaxTimerMs), Default: 2000},
		{ID: int(CfgResponseMaxMs), Name: "tm_response_max", Min: 1, Max: int(MaxTimerMs), Default: 4000},
		{ID: int(CfgUseCRC), Name: "use_crc", Min: 0, Max: 1, Default: 0},
		{ID: int(CfgIFSC), Name: "ifsc", Min: 1, Max: 254, Default: 32},
		{ID: int(CfgIFSD), Name: "ifsd", Min: 1, Max: 254, Default: 254},
		{ID: int(CfgDwFeatures), Name: "dw_features", Min: 0, Max: 0x7FFFFFFF, Default: 0},
		{ID: int(CfgPPSSize), Name: "pps_size", Min: 3, Max: 5, Default: 3},
		{ID: int(CfgTA1Value), Name: "ta1_value", Min: 0, Max: 0xFF, Default: 0x11},
		{ID: int(CfgIsUSBReader), Name: "is_usb_reader", Min: 0, Max: 1, Default: 0},
		{ID: int(CfgRxSkipBytes), Name: "rx_skip_bytes", Min: 0, Max: 0xFF, Default: 0},
	}
}
