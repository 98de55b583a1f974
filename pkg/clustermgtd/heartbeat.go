/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clustermgtd

import (
	"bytes"
	"fmt"
	"time"

	"github.com/natefinch/atomic"
)

// WriteHeartbeat persists the loop's last-completed-iteration timestamp to
// path in RFC3339 form, for an external heartbeat-age watchdog (spec.md
// §5); no code in this tree reads the file. The write is atomic so a reader
// never observes a partial file.
func WriteHeartbeat(path string, at time.Time) error {
	data := []byte(at.UTC().Format(time.RFC3339))
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing heartbeat file %s: %w", path, err)
	}
	return nil
}
