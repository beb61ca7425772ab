package central

import "fmt"

// Status is the typed outcome attached to every event the core publishes.
// Tasks never propagate errors across the scheduler; each terminal state maps
// to exactly one Status.
type Status uint8

const (
  StatusSuccess Status = iota
  StatusNullTarget
  StatusNullCharacteristic
  StatusNotConnected
  StatusNoMatchingTarget
  StatusOperationNotSupported
  StatusTimedOut
  StatusRemoteGattFailure
  StatusCancelledFromDisconnect
  StatusCancelledFromBleTurningOff
  StatusFailedToToggleNotification
  StatusFailedToSetValueOnTarget
  StatusStackVersionNotSupported
  StatusBusy
  StatusAuthenticationFailed
  StatusInitializationFailed
  StatusBondFailed
  StatusExplicitDisconnect
  StatusRogueDisconnect
  StatusDiscoveringResourcesFailed
)

var statusNames = map[Status]string{
  StatusSuccess: "Success",
  StatusNullTarget: "NullTarget",
  StatusNullCharacteristic: "NullCharacteristic",
  StatusNotConnected: "NotConnected",
  StatusNoMatchingTarget: "NoMatchingTarget",
  StatusOperationNotSupported: "OperationNotSupported",
  StatusTimedOut: "TimedOut",
  StatusRemoteGattFailure: "RemoteGattFailure",
  StatusCancelledFromDisconnect: "CancelledFromDisconnect",
  StatusCancelledFromBleTurningOff: "CancelledFromBleTurningOff",
  StatusFailedToToggleNotification: "FailedToToggleNotification",
  StatusFailedToSetValueOnTarget: "FailedToSetValueOnTarget",
  StatusStackVersionNotSupported: "StackVersionNotSupported",
  StatusBusy: "Busy",
  StatusAuthenticationFailed: "AuthenticationFailed",
  StatusInitializationFailed: "InitializationFailed",
  StatusBondFailed: "BondFailed",
  StatusExplicitDisconnect: "ExplicitDisconnect",
  StatusRogueDisconnect: "RogueDisconnect",
  StatusDiscoveringResourcesFailed: "DiscoveringResourcesFailed",
}

func (s Status) String() string {
  if name, ok := statusNames[s]; ok {
    return name
  }

  return fmt.Sprintf("Status(%d)", s)
}

func (s Status) Ok() bool {
  return s == StatusSuccess
}

// Intent qualifies a disconnect: did the application ask for it, or did the
// link drop underneath us.
type Intent uint8

const (
  IntentNull Intent = iota
  IntentIntentional
  IntentUnintentional
)

func (i Intent) String() string {
  switch i {
  case IntentIntentional:
    return "Intentional"
  case IntentUnintentional:
    return "Unintentional"
  default:
    return "Null"
  }
}
