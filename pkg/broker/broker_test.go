package broker

import (
	"testing"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestImageRefPrefersCommandEntrypoint(t *testing.T) {
	lt := command.LaunchTask{
		Ref:     types.RunSpecRef{Path: "/svc", Version: "v1"},
		Command: []string{"docker.io/library/nginx:1.25", "-g", "daemon off;"},
	}
	assert.Equal(t, "docker.io/library/nginx:1.25", imageRef(lt))
}

func TestImageRefFallsBackToRunSpecPath(t *testing.T) {
	lt := command.LaunchTask{Ref: types.RunSpecRef{Path: "/svc", Version: "v1"}}
	assert.Equal(t, "/svc", imageRef(lt))
}
