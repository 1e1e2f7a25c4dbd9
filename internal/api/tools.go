package api

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/coswise/claude-code-by-agents/pkg/models"
)

// PlanTool returns the tool through which the orchestrator hands back an
// execution plan. The agent field is restricted to workerIDs.
func PlanTool(workerIDs []string) anthropic.ToolUnionParam {
	agentSchema := map[string]interface{}{
		"type":        "string",
		"description": "Id of the agent that executes this step",
	}
	if len(workerIDs) > 0 {
		agentSchema["enum"] = workerIDs
	}

	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        models.PlanToolName,
			Description: anthropic.String("Create an execution plan that assigns steps to agents. Steps exchange results through files."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{
					"steps": map[string]interface{}{
						"type":        "array",
						"description": "Ordered steps of the plan",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"id": map[string]interface{}{
									"type":        "string",
									"description": "Unique step id",
								},
								"agent": agentSchema,
								"message": map[string]interface{}{
									"type":        "string",
									"description": "Instruction for the agent, including which files to read",
								},
								"output_file": map[string]interface{}{
									"type":        "string",
									"description": "Absolute path where the agent writes its result",
								},
								"dependencies": map[string]interface{}{
									"type":        "array",
									"items":       map[string]interface{}{"type": "string"},
									"description": "Ids of steps that must finish first",
								},
							},
							"required": []string{"id", "agent", "message", "output_file"},
						},
					},
				},
				Required: []string{"steps"},
			},
		},
	}
}
