package config

// StarterAgents is the roster used when config.yaml names no agents.
func StarterAgents() []AgentConfigEntry {
	return []AgentConfigEntry{
		{Name: "lead", Role: "Squad lead. Triages incoming work, delegates subtasks and resolves escalations.", Level: LevelLead},
		{Name: "researcher", Role: "Investigates questions and reports findings with sources.", Level: LevelSpecialist},
		{Name: "writer", Role: "Drafts and edits documents and replies.", Level: LevelSpecialist},
	}
}
