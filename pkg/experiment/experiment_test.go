package experiment

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type fakeClient struct {
	variant string
	err     error
	calls   int
}

func (f *fakeClient) VariantFor(string, string) (string, error) {
	f.calls++
	return f.variant, f.err
}

func TestResolveTemplateName(t *testing.T) {
	client := &fakeClient{variant: "support-v2"}
	assert.Equal(t, "support-v2", ResolveTemplateName(client, "support-experiment", "u1", "support"))
	assert.Equal(t, 1, client.calls)
}

func TestResolveTemplateNameFallsBack(t *testing.T) {
	assert.Equal(t, "support", ResolveTemplateName(nil, "support-experiment", "u1", "support"))

	noFlag := &fakeClient{variant: "support-v2"}
	assert.Equal(t, "support", ResolveTemplateName(noFlag, "", "u1", "support"))
	assert.Equal(t, 0, noFlag.calls)

	failing := &fakeClient{err: errors.New("posthog down")}
	assert.Equal(t, "support", ResolveTemplateName(failing, "support-experiment", "u1", "support"))

	unenrolled := &fakeClient{variant: ""}
	assert.Equal(t, "support", ResolveTemplateName(unenrolled, "support-experiment", "u1", "support"))
}
