package pfcp

import (
	"github.com/wmnsk/go-pfcp/ie"
	"github.com/wmnsk/go-pfcp/message"
)

var messageTypeNames = map[uint64]string{
	uint64(message.MsgTypeHeartbeatRequest):             "Heartbeat Request",
	uint64(message.MsgTypeHeartbeatResponse):            "Heartbeat Response",
	uint64(message.MsgTypeAssociationSetupRequest):      "Association Setup Request",
	uint64(message.MsgTypeAssociationSetupResponse):     "Association Setup Response",
	uint64(message.MsgTypeAssociationUpdateRequest):     "Association Update Request",
	uint64(message.MsgTypeAssociationUpdateResponse):    "Association Update Response",
	uint64(message.MsgTypeAssociationReleaseRequest):    "Association Release Request",
	uint64(message.MsgTypeAssociationReleaseResponse):   "Association Release Response",
	uint64(message.MsgTypeSessionEstablishmentRequest):  "Session Establishment Request",
	uint64(message.MsgTypeSessionEstablishmentResponse): "Session Establishment Response",
	uint64(message.MsgTypeSessionModificationRequest):   "Session Modification Request",
	uint64(message.MsgTypeSessionModificationResponse):  "Session Modification Response",
	uint64(message.MsgTypeSessionDeletionRequest):       "Session Deletion Request",
	uint64(message.MsgTypeSessionDeletionResponse):      "Session Deletion Response",
	uint64(message.MsgTypeSessionReportRequest):         "Session Report Request",
	uint64(message.MsgTypeSessionReportResponse):        "Session Report Response",
}

func isRequest(t uint8) bool {
	switch t {
	case message.MsgTypeHeartbeatRequest,
		message.MsgTypeAssociationSetupRequest,
		message.MsgTypeAssociationUpdateRequest,
		message.MsgTypeAssociationReleaseRequest,
		message.MsgTypeSessionEstablishmentRequest,
		message.MsgTypeSessionModificationRequest,
		message.MsgTypeSessionDeletionRequest,
		message.MsgTypeSessionReportRequest:
		return true
	}
	return false
}

func isResponse(t uint8) bool {
	_, known := messageTypeNames[uint64(t)]
	return known && !isRequest(t)
}

var ieTypeNames = map[uint64]string{
	uint64(ie.CreatePDR):                  "Create PDR",
	uint64(ie.PDI):                        "PDI",
	uint64(ie.CreateFAR):                  "Create FAR",
	uint64(ie.ForwardingParameters):       "Forwarding Parameters",
	uint64(ie.UpdateFAR):                  "Update FAR",
	uint64(ie.UpdateForwardingParameters): "Update Forwarding Parameters",
	uint64(ie.Cause):                      "Cause",
	uint64(ie.SourceInterface):            "Source Interface",
	uint64(ie.NetworkInstance):            "Network Instance",
	uint64(ie.Precedence):                 "Precedence",
	uint64(ie.DestinationInterface):       "Destination Interface",
	uint64(ie.UPFunctionFeatures):         "UP Function Features",
	uint64(ie.ApplyAction):                "Apply Action",
	uint64(ie.PDRID):                      "PDR ID",
	uint64(ie.FSEID):                      "F-SEID",
	uint64(ie.NodeID):                     "Node ID",
	uint64(ie.OuterHeaderCreation):        "Outer Header Creation",
	uint64(ie.CPFunctionFeatures):         "CP Function Features",
	uint64(ie.UEIPAddress):                "UE IP Address",
	uint64(ie.OuterHeaderRemoval):         "Outer Header Removal",
	uint64(ie.RecoveryTimeStamp):          "Recovery Time Stamp",
	uint64(ie.FARID):                      "FAR ID",
	uint64(ie.PDNType):                    "PDN Type",
}

var causeNames = map[uint64]string{
	uint64(ie.CauseRequestAccepted): "Request accepted (success)",
	64:                              "Request rejected (reason not specified)",
	65:                              "Session context not found",
	66:                              "Mandatory IE missing",
	67:                              "Conditional IE missing",
	68:                              "Invalid length",
	69:                              "Mandatory IE incorrect",
	70:                              "Invalid Forwarding Policy",
	71:                              "Invalid F-TEID allocation option",
	72:                              "No established PFCP Association",
	73:                              "Rule creation/modification Failure",
	74:                              "PFCP entity in congestion",
	75:                              "No resources available",
	76:                              "Service not supported",
	77:                              "System failure",
}

var interfaceNames = map[uint64]string{
	uint64(ie.SrcInterfaceAccess): "Access",
	uint64(ie.SrcInterfaceCore):   "Core",
	2:                             "SGi-LAN/N6-LAN",
	3:                             "CP-function",
	4:                             "5G VN Internal",
}
