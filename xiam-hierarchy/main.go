/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package main

import "github.com/xiamhq/hierarchy/xiam-hierarchy/cmd"

func main() {
	cmd.Execute()
}
