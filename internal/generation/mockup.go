package generation

import (
	"context"
	"fmt"
)

// Info formats the block returned instead of a generation when prompts are mocked.
func Info(id TemplateID, prompt string) string {
	return fmt.Sprintf("#################\nSkill: %s\nFunction: %s\nPrompt: %s\n#################\n\n", id.Skill, id.Function, prompt)
}

// MockupEngine renders the prompt and returns it without calling a model.
type MockupEngine struct{}

// Generate implements Engine.
func (MockupEngine) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prompt, err := Render(req)
	if err != nil {
		return "", err
	}
	return Info(req.TemplateID, prompt), nil
}
