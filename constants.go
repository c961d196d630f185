package fins

import "fmt"

const (
	// FINS protocol frame structure constants
	FINS_HEADER_SIZE       = 10 // FINS header is always 10 bytes
	FINS_COMMAND_CODE_SIZE = 2  // Command code field size
	FINS_END_CODE_SIZE     = 2  // End code field size
	FINS_MEMORY_ADDR_SIZE  = 4  // Memory address field size
	FINS_ITEM_COUNT_SIZE   = 2  // Item count field size
	FINS_MEMORY_CMD_SIZE   = FINS_COMMAND_CODE_SIZE + FINS_MEMORY_ADDR_SIZE + FINS_ITEM_COUNT_SIZE
	FINS_RESPONSE_MIN_SIZE = FINS_COMMAND_CODE_SIZE + FINS_END_CODE_SIZE

	// Header byte offsets
	ICF_INDEX           = 0
	RSV_INDEX           = 1
	GATEWAY_COUNT_INDEX = 2
	DST_NETWORK_INDEX   = 3
	DST_NODE_INDEX      = 4
	DST_UNIT_INDEX      = 5
	SRC_NETWORK_INDEX   = 6
	SRC_NODE_INDEX      = 7
	SRC_UNIT_INDEX      = 8
	SERVICE_ID_INDEX    = 9

	// BCD encoding constants
	BCD_NIBBLE_MASK = 0x0f
	BCD_MAX_DIGIT   = 9

	// MaxReadItems is the largest item count a single memory area read may request.
	MaxReadItems = 999
	// MaxWriteWords is the largest word count a single memory area write may carry
	// inside a 2012 byte FINS/UDP frame.
	MaxWriteWords = 996
)

// Command codes
const (
	CommandCodeMemoryAreaRead           uint16 = 0x0101
	CommandCodeMemoryAreaWrite          uint16 = 0x0102
	CommandCodeMemoryAreaFill           uint16 = 0x0103
	CommandCodeMultipleMemoryAreaRead   uint16 = 0x0104
	CommandCodeMemoryAreaTransfer       uint16 = 0x0105
	CommandCodeParameterAreaRead        uint16 = 0x0201
	CommandCodeRun                      uint16 = 0x0401
	CommandCodeStop                     uint16 = 0x0402
	CommandCodeCPUUnitDataRead          uint16 = 0x0501
	CommandCodeCPUUnitStatusRead        uint16 = 0x0601
	CommandCodeClockRead                uint16 = 0x0701
	CommandCodeClockWrite               uint16 = 0x0702
	CommandCodeErrorLogRead             uint16 = 0x2102
	CommandCodeForcedSetReset           uint16 = 0x2301
	CommandCodeForcedSetResetCancel     uint16 = 0x2302
	CommandCodeAccessRightAcquire       uint16 = 0x0c01
	CommandCodeAccessRightForcedAcquire uint16 = 0x0c02
	CommandCodeAccessRightRelease       uint16 = 0x0c03
)

// Memory area codes (CS/CJ mode)
const (
	MemoryAreaCIOBit  byte = 0x30
	MemoryAreaWRBit   byte = 0x31
	MemoryAreaHRBit   byte = 0x32
	MemoryAreaARBit   byte = 0x33
	MemoryAreaCIOWord byte = 0xb0
	MemoryAreaWRWord  byte = 0xb1
	MemoryAreaHRWord  byte = 0xb2
	MemoryAreaARWord  byte = 0xb3

	MemoryAreaTimerCounterCompletionFlag byte = 0x09
	MemoryAreaTimerCounterPV             byte = 0x89

	MemoryAreaDMBit  byte = 0x02
	MemoryAreaDMWord byte = 0x82

	MemoryAreaTaskBit byte = 0x06

	MemoryAreaDataRegisterPV byte = 0xbc

	MemoryAreaClockPulsesConditionFlagsBit byte = 0x07
)

// EndCode is the 2-byte completion status a node reports for a command.
// The high byte is the main response code, the low byte the sub response code.
type EndCode uint16

// End codes
const (
	EndCodeNormalCompletion             EndCode = 0x0000
	EndCodeServiceCanceled              EndCode = 0x0001
	EndCodeLocalNodeNotInNetwork        EndCode = 0x0101
	EndCodeTokenTimeout                 EndCode = 0x0102
	EndCodeRetriesFailed                EndCode = 0x0103
	EndCodeTooManySendFrames            EndCode = 0x0104
	EndCodeNodeAddressRangeError        EndCode = 0x0105
	EndCodeNodeAddressDuplication       EndCode = 0x0106
	EndCodeDestinationNodeNotInNetwork  EndCode = 0x0201
	EndCodeUnitMissing                  EndCode = 0x0202
	EndCodeThirdNodeMissing             EndCode = 0x0203
	EndCodeDestinationNodeBusy          EndCode = 0x0204
	EndCodeResponseTimeout              EndCode = 0x0205
	EndCodeCommunicationsControllerErr  EndCode = 0x0301
	EndCodeCPUUnitError                 EndCode = 0x0302
	EndCodeControllerError              EndCode = 0x0303
	EndCodeUnitNumberError              EndCode = 0x0304
	EndCodeUndefinedCommand             EndCode = 0x0401
	EndCodeNotSupportedByModelVersion   EndCode = 0x0402
	EndCodeDestinationAddressSettingErr EndCode = 0x0501
	EndCodeNoRoutingTables              EndCode = 0x0502
	EndCodeRoutingTableError            EndCode = 0x0503
	EndCodeTooManyRelays                EndCode = 0x0504
	EndCodeCommandTooLong               EndCode = 0x1001
	EndCodeCommandTooShort              EndCode = 0x1002
	EndCodeElementsDataDontMatch        EndCode = 0x1003
	EndCodeCommandFormatError           EndCode = 0x1004
	EndCodeHeaderError                  EndCode = 0x1005
	EndCodeAreaClassificationMissing    EndCode = 0x1101
	EndCodeAccessSizeError              EndCode = 0x1102
	EndCodeAddressRangeError            EndCode = 0x1103
	EndCodeAddressRangeExceeded         EndCode = 0x1104
	EndCodeProgramMissing               EndCode = 0x1106
	EndCodeRelationalError              EndCode = 0x1109
	EndCodeDuplicateDataAccess          EndCode = 0x110a
	EndCodeResponseTooBig               EndCode = 0x110b
	EndCodeParameterError               EndCode = 0x110c
	EndCodeReadNotPossibleProtected     EndCode = 0x2002
	EndCodeWriteNotPossibleReadOnly     EndCode = 0x2101
	EndCodeWriteNotPossibleProtected    EndCode = 0x2102
	EndCodeNotExecutableInCurrentMode   EndCode = 0x2201
	EndCodeNoSuchDevice                 EndCode = 0x2301
	EndCodeCannotStartStop              EndCode = 0x2302
)

const (
	endCodeRelayErrorFlag     EndCode = 0x8000
	endCodeFatalCPUErrorFlag  EndCode = 0x0080
	endCodeNonFatalCPUErrFlag EndCode = 0x0040
)

var endCodeDescriptions = map[EndCode]string{
	EndCodeNormalCompletion:             "normal completion",
	EndCodeServiceCanceled:              "service canceled",
	EndCodeLocalNodeNotInNetwork:        "local node not in network",
	EndCodeTokenTimeout:                 "token timeout",
	EndCodeRetriesFailed:                "retries failed",
	EndCodeTooManySendFrames:            "too many send frames",
	EndCodeNodeAddressRangeError:        "node address range error",
	EndCodeNodeAddressDuplication:       "node address duplication",
	EndCodeDestinationNodeNotInNetwork:  "destination node not in network",
	EndCodeUnitMissing:                  "unit missing",
	EndCodeThirdNodeMissing:             "third node missing",
	EndCodeDestinationNodeBusy:          "destination node busy",
	EndCodeResponseTimeout:              "response timeout",
	EndCodeCommunicationsControllerErr:  "communications controller error",
	EndCodeCPUUnitError:                 "CPU unit error",
	EndCodeControllerError:              "controller error",
	EndCodeUnitNumberError:              "unit number error",
	EndCodeUndefinedCommand:             "undefined command",
	EndCodeNotSupportedByModelVersion:   "not supported by model/version",
	EndCodeDestinationAddressSettingErr: "destination address setting error",
	EndCodeNoRoutingTables:              "no routing tables",
	EndCodeRoutingTableError:            "routing table error",
	EndCodeTooManyRelays:                "too many relays",
	EndCodeCommandTooLong:               "command too long",
	EndCodeCommandTooShort:              "command too short",
	EndCodeElementsDataDontMatch:        "elements/data don't match",
	EndCodeCommandFormatError:           "command format error",
	EndCodeHeaderError:                  "header error",
	EndCodeAreaClassificationMissing:    "area classification missing",
	EndCodeAccessSizeError:              "access size error",
	EndCodeAddressRangeError:            "address range error",
	EndCodeAddressRangeExceeded:         "address range exceeded",
	EndCodeProgramMissing:               "program missing",
	EndCodeRelationalError:              "relational error",
	EndCodeDuplicateDataAccess:          "duplicate data access",
	EndCodeResponseTooBig:               "response too big",
	EndCodeParameterError:               "parameter error",
	EndCodeReadNotPossibleProtected:     "read not possible: protected",
	EndCodeWriteNotPossibleReadOnly:     "write not possible: read only",
	EndCodeWriteNotPossibleProtected:    "write not possible: protected",
	EndCodeNotExecutableInCurrentMode:   "not executable in current mode",
	EndCodeNoSuchDevice:                 "no such device",
	EndCodeCannotStartStop:              "cannot start/stop",
}

// Status strips the CPU error flag bits that may accompany any end code.
func (e EndCode) Status() EndCode {
	return e &^ (endCodeFatalCPUErrorFlag | endCodeNonFatalCPUErrFlag)
}

// IsNormal reports normal completion. A relay error is never normal.
func (e EndCode) IsNormal() bool {
	return e.Status() == EndCodeNormalCompletion
}

// RelayError reports that the command failed somewhere along a relay path.
func (e EndCode) RelayError() bool {
	return e&endCodeRelayErrorFlag != 0
}

// CPUError reports whether the responding CPU unit flagged a fatal or non-fatal error.
func (e EndCode) CPUError() (fatal, nonFatal bool) {
	return e&endCodeFatalCPUErrorFlag != 0, e&endCodeNonFatalCPUErrFlag != 0
}

func (e EndCode) String() string {
	if d, ok := endCodeDescriptions[e.Status()]; ok {
		return fmt.Sprintf("0x%04x (%s)", uint16(e), d)
	}
	return fmt.Sprintf("0x%04x", uint16(e))
}

func isWordMemoryArea(memoryArea byte) bool {
	switch memoryArea {
	case MemoryAreaDMWord, MemoryAreaARWord, MemoryAreaHRWord, MemoryAreaWRWord, MemoryAreaCIOWord,
		MemoryAreaTimerCounterPV, MemoryAreaDataRegisterPV:
		return true
	}
	return false
}

func isBitMemoryArea(memoryArea byte) bool {
	switch memoryArea {
	case MemoryAreaDMBit, MemoryAreaARBit, MemoryAreaHRBit, MemoryAreaWRBit, MemoryAreaCIOBit,
		MemoryAreaTimerCounterCompletionFlag, MemoryAreaTaskBit, MemoryAreaClockPulsesConditionFlagsBit:
		return true
	}
	return false
}
