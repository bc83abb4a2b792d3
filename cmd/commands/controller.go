/*
Copyright 2023 The Streamproj Authors.

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

package commands

import (
	"github.com/spf13/cobra"

	reconcilercmd "github.com/streamproj/streamjob/pkg/reconciler/cmd"
	sharedutil "github.com/streamproj/streamjob/pkg/shared/util"
)

func NewControllerCommand() *cobra.Command {
	var (
		namespaced       bool
		managedNamespace string
	)

	command := &cobra.Command{
		Use:   "controller",
		Short: "Start the StreamingJob controller",
		Run: func(cmd *cobra.Command, args []string) {
			reconcilercmd.Start(namespaced, managedNamespace)
		},
	}
	command.Flags().BoolVar(&namespaced, "namespaced", sharedutil.LookupEnvBoolOr("STREAMJOB_NAMESPACED", false), "Whether to run in namespaced scope, defaults to false.")
	command.Flags().StringVar(&managedNamespace, "managed-namespace", sharedutil.LookupEnvStringOr("STREAMJOB_MANAGED_NAMESPACE", sharedutil.LookupEnvStringOr("NAMESPACE", "default")), "The namespace that the controller watches when \"namespaced\" is true.")
	return command
}
