package dag

// CheckTaskPermission maps a node's Level to the decision the executor
// must honor before transitioning it out of Ready. Only Mechanical tasks
// may proceed without an external decision.
func CheckTaskPermission(n *Node) Decision {
	switch n.Level.Kind {
	case LevelMechanical:
		return Decision{Kind: "AutoApprove"}
	case LevelRecommended:
		return Decision{
			Kind:          "Countdown",
			Seconds:       n.Level.TimeoutSecs,
			DefaultAction: n.Level.DefaultAction,
		}
	case LevelConfirmed:
		return Decision{Kind: "NeedsConfirmation"}
	case LevelArbitrated:
		return Decision{Kind: "NeedsArbitration", Stakeholders: n.Level.Stakeholders}
	default:
		return Decision{Kind: "AutoApprove"}
	}
}
