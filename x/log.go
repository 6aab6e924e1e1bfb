/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package x

import (
	"fmt"

	"github.com/golang/glog"
)

// ToGlog routes badger's internal logging through glog, so the storage
// layer shares the process-wide log configuration. Badger is chatty at
// info level, so its INFO and DEBUG go to glog verbosity levels instead.
type ToGlog struct{}

func (rl *ToGlog) Debugf(format string, args ...interface{}) { glog.V(3).Infof(format, args...) }
func (rl *ToGlog) Infof(format string, args ...interface{})  { glog.V(2).Infof(format, args...) }
func (rl *ToGlog) Warningf(format string, args ...interface{}) {
	glog.Warningf(format, args...)
}
func (rl *ToGlog) Errorf(format string, args ...interface{}) { glog.Errorf(format, args...) }

// LogEventf logs lifecycle events (engine open/close, store init) at the
// default level with a common prefix, so they are easy to grep out of a
// busy log.
func LogEventf(format string, args ...interface{}) {
	glog.Infof("hierarchy: %s", fmt.Sprintf(format, args...))
}
