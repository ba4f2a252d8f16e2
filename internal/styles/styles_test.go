package styles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleStylesShareShape(t *testing.T) {
	assert.Equal(t, UserLabelStyle.GetBold(), AgentLabelStyle.GetBold())
	assert.NotEqual(t, UserLabelStyle.GetBackground(), AgentLabelStyle.GetBackground())
	assert.True(t, AgentMsgStyle.GetBorderLeft())
	assert.Equal(t, 2, UserMsgStyle.GetPaddingLeft())
}

func TestSelectedItemKeepsItemPadding(t *testing.T) {
	assert.Equal(t, ModalItemStyle.GetPaddingLeft(), ModalSelectedStyle.GetPaddingLeft())
	assert.NotEqual(t, ModalItemStyle.GetBackground(), ModalSelectedStyle.GetBackground())
}

func TestToolStatusFollowsTheme(t *testing.T) {
	prev := CurrentTheme
	t.Cleanup(func() { CurrentTheme = prev })

	CurrentTheme = LightTheme
	assert.Equal(t, LightTheme.Done, ToolStatus(true).GetForeground())
	assert.Equal(t, LightTheme.Pending, ToolStatus(false).GetForeground())
	assert.Equal(t, "light", GlamourStyle())
}
