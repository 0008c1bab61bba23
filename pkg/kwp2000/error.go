package kwp2000

import "fmt"

var responseCodes = map[byte]string{
	0x10: "General reject",
	0x11: "Service not supported",
	0x12: "Sub-function not supported - invalid format",
	0x21: "Busy, repeat request",
	0x22: "Conditions not correct or request sequence error",
	0x23: "Routine not completed or service in progress",
	0x31: "Request out of range",
	0x33: "Security access denied",
	0x35: "Invalid key",
	0x36: "Exceeded number of attempts",
	0x37: "Required time delay not expired",
	0x40: "Download not accepted",
	0x50: "Upload not accepted",
	0x71: "Transfer suspended",
	0x72: "Transfer aborted",
	0x77: "Block transfer data checksum error",
	0x78: "Response pending",
	0x79: "Incorrect byte count during block transfer",
	0x80: "Service not supported in active diagnostic mode",
}

func TranslateErrorCode(p byte) string {
	if s, ok := responseCodes[p]; ok {
		return s
	}
	return fmt.Sprintf("Unknown error %X", p)
}
