package sandbox

import "fmt"

const truncatedMarker = "\n... [truncated]"

// TruncateRead enforces the read-output threshold (§4.7 output truncation):
// oversized output is cut to maxBytes with an explicit marker appended.
func TruncateRead(output []byte, maxBytes int) ([]byte, bool) {
	if len(output) <= maxBytes {
		return output, false
	}
	cut := make([]byte, 0, maxBytes+len(truncatedMarker))
	cut = append(cut, output[:maxBytes]...)
	cut = append(cut, []byte(truncatedMarker)...)
	return cut, true
}

// TruncateTestOutput enforces MAX_TEST_OUTPUT_BYTES via head/tail
// truncation (§4.7): command output larger than the threshold keeps its
// leading and trailing halves and drops the middle, since test failures
// are usually visible at either end.
func TruncateTestOutput(output []byte, maxBytes int) ([]byte, bool) {
	if len(output) <= maxBytes {
		return output, false
	}
	half := maxBytes / 2
	marker := []byte(fmt.Sprintf("\n... [%d bytes truncated] ...\n", len(output)-maxBytes))

	result := make([]byte, 0, maxBytes+len(marker))
	result = append(result, output[:half]...)
	result = append(result, marker...)
	result = append(result, output[len(output)-half:]...)
	return result, true
}
