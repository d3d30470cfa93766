package engine

// Agent is a configured voice agent. The prompt and tool definitions live
// with the agent service; the core only needs routing and greeting data.
type Agent struct {
	Slug         string
	Greeting     string
	Instructions string
	// TicketCreating gates the post-call ticket push.
	TicketCreating bool
}

// builtinAgents maps slugs to agent records. The default "no-ivr" agent
// answers directly with no menu tree.
var builtinAgents = map[string]*Agent{
	"no-ivr": {
		Slug: "no-ivr",
		Greeting: "Greet the caller: thank them for calling the after-hours line, " +
			"say you are the practice's virtual assistant, and ask how you can help.",
		Instructions: "You are the after-hours phone assistant for a medical practice. " +
			"Collect the caller's need, urgency, and callback number. " +
			"Escalate to the on-call staff for anything urgent.",
		TicketCreating: true,
	},
	"triage": {
		Slug: "triage",
		Greeting: "Greet the caller and ask them to briefly describe their symptoms " +
			"so you can route them.",
		Instructions: "You are a triage assistant. Classify the caller's need and " +
			"escalate emergencies immediately.",
		TicketCreating: true,
	},
}

// agentFor returns the agent record for a slug, falling back to the
// configured default.
func (e *Engine) agentFor(slug string) *Agent {
	if a, ok := builtinAgents[slug]; ok {
		return a
	}
	if a, ok := builtinAgents[e.cfg.DefaultAgentSlug]; ok {
		return a
	}
	return builtinAgents["no-ivr"]
}
