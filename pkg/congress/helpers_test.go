package congress

import (
	"io"

	"github.com/iter-org/drawbridge/pkg/log"
)

func testInitLogging() {
	log.Init(log.Config{
		Level:      log.ErrorLevel,
		JSONOutput: true,
		Output:     io.Discard,
	})
}
