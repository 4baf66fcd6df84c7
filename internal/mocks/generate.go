// Package mocks provides gomock implementations of the memscope ports for tests.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	archive := mocks.NewMockJobArchiveRepository(ctrl)
//	archive.EXPECT().Archive(gomock.Any(), gomock.Any()).Return(nil)
package mocks

// Ports declared in internal/core.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_archive_repository_mock.go github.com/target/memscope/internal/core JobArchiveRepository
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_event_publisher_mock.go github.com/target/memscope/internal/core JobEventPublisher
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=report_renderer_mock.go github.com/target/memscope/internal/core ReportRenderer
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=phase_runner_mock.go github.com/target/memscope/internal/core PhaseRunner

// Tool adapters and the acquisition backend. The tools package's own tests cannot import these.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=tool_adapter_mock.go github.com/target/memscope/internal/tools Adapter
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=acquisition_backend_mock.go github.com/target/memscope/internal/acquisition Backend
