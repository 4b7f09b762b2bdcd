package mock

import (
	context "context"
	reflect "reflect"
	time "time"

	gomock "go.uber.org/mock/gomock"

	models "github.com/aiclub-dev/pointsbot/pointsbot/database/models"
	ledger "github.com/aiclub-dev/pointsbot/pointsbot/ledger"
)

// MockLedger is a mock of Ledger interface.
type MockLedger struct {
	ctrl     *gomock.Controller
	recorder *MockLedgerMockRecorder
	isgomock struct{}
}

// MockLedgerMockRecorder is the mock recorder for MockLedger.
type MockLedgerMockRecorder struct {
	mock *MockLedger
}

// NewMockLedger creates a new mock instance.
func NewMockLedger(ctrl *gomock.Controller) *MockLedger {
	mock := &MockLedger{ctrl: ctrl}
	mock.recorder = &MockLedgerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockLedger) EXPECT() *MockLedgerMockRecorder {
	return m.recorder
}

// ApplyDelta mocks base method.
func (m *MockLedger) ApplyDelta(ctx context.Context, req ledger.DeltaRequest) (*ledger.Receipt, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ApplyDelta", ctx, req)
	ret0, _ := ret[0].(*ledger.Receipt)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ApplyDelta indicates an expected call of ApplyDelta.
func (mr *MockLedgerMockRecorder) ApplyDelta(ctx, req any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ApplyDelta", reflect.TypeOf((*MockLedger)(nil).ApplyDelta), ctx, req)
}

// CountUsers mocks base method.
func (m *MockLedger) CountUsers(ctx context.Context) (int, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CountUsers", ctx)
	ret0, _ := ret[0].(int)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// CountUsers indicates an expected call of CountUsers.
func (mr *MockLedgerMockRecorder) CountUsers(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CountUsers", reflect.TypeOf((*MockLedger)(nil).CountUsers), ctx)
}

// EnsureUser mocks base method.
func (m *MockLedger) EnsureUser(ctx context.Context, discordID, username string) (*models.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "EnsureUser", ctx, discordID, username)
	ret0, _ := ret[0].(*models.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// EnsureUser indicates an expected call of EnsureUser.
func (mr *MockLedgerMockRecorder) EnsureUser(ctx, discordID, username any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "EnsureUser", reflect.TypeOf((*MockLedger)(nil).EnsureUser), ctx, discordID, username)
}

// GetBalance mocks base method.
func (m *MockLedger) GetBalance(ctx context.Context, discordID string) (int64, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetBalance", ctx, discordID)
	ret0, _ := ret[0].(int64)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetBalance indicates an expected call of GetBalance.
func (mr *MockLedgerMockRecorder) GetBalance(ctx, discordID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetBalance", reflect.TypeOf((*MockLedger)(nil).GetBalance), ctx, discordID)
}

// GetHistory mocks base method.
func (m *MockLedger) GetHistory(ctx context.Context, discordID string, limit int, beforeID int64) ([]*models.Transaction, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetHistory", ctx, discordID, limit, beforeID)
	ret0, _ := ret[0].([]*models.Transaction)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetHistory indicates an expected call of GetHistory.
func (mr *MockLedgerMockRecorder) GetHistory(ctx, discordID, limit, beforeID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetHistory", reflect.TypeOf((*MockLedger)(nil).GetHistory), ctx, discordID, limit, beforeID)
}

// IsProcessed mocks base method.
func (m *MockLedger) IsProcessed(ctx context.Context, sourceEventID string) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "IsProcessed", ctx, sourceEventID)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// IsProcessed indicates an expected call of IsProcessed.
func (mr *MockLedgerMockRecorder) IsProcessed(ctx, sourceEventID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "IsProcessed", reflect.TypeOf((*MockLedger)(nil).IsProcessed), ctx, sourceEventID)
}

// LastTransactionAt mocks base method.
func (m *MockLedger) LastTransactionAt(ctx context.Context, discordID, reason string) (time.Time, bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "LastTransactionAt", ctx, discordID, reason)
	ret0, _ := ret[0].(time.Time)
	ret1, _ := ret[1].(bool)
	ret2, _ := ret[2].(error)
	return ret0, ret1, ret2
}

// LastTransactionAt indicates an expected call of LastTransactionAt.
func (mr *MockLedgerMockRecorder) LastTransactionAt(ctx, discordID, reason any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "LastTransactionAt", reflect.TypeOf((*MockLedger)(nil).LastTransactionAt), ctx, discordID, reason)
}

// TopN mocks base method.
func (m *MockLedger) TopN(ctx context.Context, n int) ([]ledger.Entry, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "TopN", ctx, n)
	ret0, _ := ret[0].([]ledger.Entry)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// TopN indicates an expected call of TopN.
func (mr *MockLedgerMockRecorder) TopN(ctx, n any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "TopN", reflect.TypeOf((*MockLedger)(nil).TopN), ctx, n)
}

// Transfer mocks base method.
func (m *MockLedger) Transfer(ctx context.Context, fromID, toID string, amount int64, sourceEventID string) (*ledger.TransferReceipt, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Transfer", ctx, fromID, toID, amount, sourceEventID)
	ret0, _ := ret[0].(*ledger.TransferReceipt)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Transfer indicates an expected call of Transfer.
func (mr *MockLedgerMockRecorder) Transfer(ctx, fromID, toID, amount, sourceEventID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Transfer", reflect.TypeOf((*MockLedger)(nil).Transfer), ctx, fromID, toID, amount, sourceEventID)
}
