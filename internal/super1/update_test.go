package super1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mdraid.dev/mdassemble-ng/internal/mdcore"
	"git.mdraid.dev/mdassemble-ng/internal/mdplugin"
)

func TestUpdateRejectsUnknownVerb(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	_, err := Update(v, "not-a-real-verb", mdplugin.UpdateContext{})
	require.Error(t, err)
	var bad *mdcore.BadUpdateVerb
	assert.ErrorAs(t, err, &bad)
}

func TestUpdateForceOneBumpsEvents(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.Events = 10
	changed, err := Update(v, "force-one", mdplugin.UpdateContext{Events: 42})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(42), v.Sb.Events)
}

func TestUpdateForceOneReportsNoChangeWhenAlreadyCurrent(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.Events = 42
	changed, err := Update(v, "force-one", mdplugin.UpdateContext{Events: 42})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUpdateForceArrayClearsResyncOnParityLevels(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.Level = Level5
	v.Sb.ResyncOffset = 100
	changed, err := Update(v, "force-array", mdplugin.UpdateContext{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, MaxSector, v.Sb.ResyncOffset)
}

func TestUpdateForceArrayNoopOnNonParityLevel(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.Level = Level1
	v.Sb.ResyncOffset = 100
	changed, err := Update(v, "force-array", mdplugin.UpdateContext{})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint64(100), v.Sb.ResyncOffset)
}

func TestUpdateUUIDAlsoUpdatesBitmapWhenPresent(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.FeatureMap |= FeatureBitmap
	v.HasBitmap = true
	newUUID := mdcore.UUID{1, 1, 1}

	changed, err := Update(v, "uuid", mdplugin.UpdateContext{NewUUID: newUUID})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, [16]byte(newUUID), v.Sb.SetUUID)
	assert.Equal(t, [16]byte(newUUID), v.Bitmap.UUID)
}

func TestUpdateNameSetsHomehostQualifiedName(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	changed, err := Update(v, "name", mdplugin.UpdateContext{HomeHost: "myhost", NewName: "vol0"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "myhost:vol0", v.Name())
}

func TestUpdateHomehostStripsExistingPrefix(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	setName(&v.Sb.SetName, "", "oldhost:vol0")
	changed, err := Update(v, "homehost", mdplugin.UpdateContext{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "vol0", v.Name())
}

func TestUpdateNoBitmapClearsFeatureAndHasBitmap(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.FeatureMap |= FeatureBitmap
	v.HasBitmap = true
	changed, err := Update(v, "no-bitmap", mdplugin.UpdateContext{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, v.HasBitmap)
	assert.Zero(t, v.Sb.FeatureMap&FeatureBitmap)
}

func TestUpdateResyncResetsOffsetToZero(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	v.Sb.ResyncOffset = MaxSector
	changed, err := Update(v, "resync", mdplugin.UpdateContext{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint64(0), v.Sb.ResyncOffset)
}

func TestUpdateRecomputesChecksum(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 2)
	before := v.Sb.SbCsum
	_, err := Update(v, "force-one", mdplugin.UpdateContext{Events: 99})
	require.NoError(t, err)
	ok, err := VerifyChecksum(v.Sb, v.Roles)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, before, v.Sb.SbCsum)
}

func TestUpdateAssembleSetsRoleForInSyncDevice(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 3)
	v.Roles[1] = RoleSpare
	changed, err := Update(v, "assemble", mdplugin.UpdateContext{DevNumber: 1, InSync: true, TargetRole: 1})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, uint16(1), v.Roles[1])
}

func TestUpdateAssembleMarksSpareWhenNotInSync(t *testing.T) {
	v := newTestView(MinorVersionAtStart, 3)
	v.Roles[1] = 1
	changed, err := Update(v, "assemble", mdplugin.UpdateContext{DevNumber: 1, InSync: false})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, RoleSpare, v.Roles[1])
}
