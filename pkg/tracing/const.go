package tracing

// Span attribute keys used by sciflo
const (
	AttrKeyScifloErrorCode    = "sciflo.error.code"
	AttrKeyScifloFlowId       = "sciflo.flow.id"
	AttrKeyScifloWorkflowId   = "sciflo.workflow.id"
	AttrKeyScifloProcessId    = "sciflo.process.id"
	AttrKeyScifloUnitId       = "sciflo.unit.id"
	AttrKeyScifloUnitHash     = "sciflo.unit.hash"
	AttrKeyScifloVariant      = "sciflo.unit.variant"
	AttrKeyScifloPostExecKey  = "sciflo.postexec.key"
	AttrKeyScifloStageURL     = "sciflo.stage.url"
)
